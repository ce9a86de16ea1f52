// Package snapshot persists a frequency store to a LevelDB directory and
// rebuilds it. The field never writes snapshots on its own; Save and Load run
// only when a caller asks for them.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/freqstore"
	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/types"
)

// LevelDB key prefix scheme.
//
//	m|meta        → Meta JSON
//	v|<%010d id>  → surface form
//	s|<%010d idx> → segment JSON {weight, tokens}
const (
	keyMeta       = "m|meta"
	prefixVocab   = "v|"
	prefixSegment = "s|"
)

// Meta describes one saved snapshot.
type Meta struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	VocabSize int    `json:"vocab_size"`
	Segments  int    `json:"segments"`
	Tokens    int    `json:"tokens"`
}

type segmentRecord struct {
	Weight int           `json:"weight"`
	Tokens []types.Token `json:"tokens"`
}

func vocabKey(id int) []byte { return []byte(fmt.Sprintf("%s%010d", prefixVocab, id)) }
func segmentKey(i int) []byte { return []byte(fmt.Sprintf("%s%010d", prefixSegment, i)) }

// Save writes store to the LevelDB database at dir, replacing any snapshot
// already there.
//
// Expectations:
//   - Creates dir when absent
//   - Leaves no records from an earlier snapshot behind
//   - Writes every record in a single batch
//   - Returns ctx.Err() when cancelled before the batch is written
func Save(ctx context.Context, dir string, store *freqstore.Store) (Meta, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return Meta{}, fielderr.Wrap(err, fielderr.CodeSnapshotIO, fielderr.KindIO, "open snapshot db").WithContext("dir", dir)
	}
	defer db.Close()

	batch := new(leveldb.Batch)
	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return Meta{}, fmt.Errorf("snapshot: scan existing keys: %w", err)
	}

	vocab := store.Vocab()
	for id, form := range vocab.Forms() {
		batch.Put(vocabKey(id), []byte(form))
	}
	segs, weights := store.Segments()
	for i, seg := range segs {
		data, err := json.Marshal(segmentRecord{Weight: weights[i], Tokens: seg})
		if err != nil {
			return Meta{}, fmt.Errorf("snapshot: marshal segment %d: %w", i, err)
		}
		batch.Put(segmentKey(i), data)
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Meta{}, err
			}
		}
	}

	meta := Meta{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		VocabSize: vocab.Size(),
		Segments:  len(segs),
		Tokens:    store.TokenCount(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot: marshal meta: %w", err)
	}
	batch.Put([]byte(keyMeta), data)

	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	if err := db.Write(batch, nil); err != nil {
		return Meta{}, fielderr.Wrap(err, fielderr.CodeSnapshotIO, fielderr.KindIO, "write snapshot batch").WithContext("dir", dir)
	}
	slog.Info("[SNAPSHOT] saved", "id", meta.ID, "dir", dir, "vocab", meta.VocabSize, "segments", meta.Segments)
	return meta, nil
}

// Load rebuilds the store saved at dir.
//
// Expectations:
//   - Returns a SNAPSHOT_MISSING error when dir holds no snapshot
//   - The rebuilt store has the same vocabulary ids, segments and weights
//   - Vocabulary and segment records are read in key order
func Load(ctx context.Context, dir string) (*freqstore.Store, Meta, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, Meta{}, fielderr.Wrap(err, fielderr.CodeSnapshotIO, fielderr.KindIO, "open snapshot db").WithContext("dir", dir)
	}
	defer db.Close()

	raw, err := db.Get([]byte(keyMeta), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, Meta{}, fielderr.New(fielderr.CodeSnapshotMissing, fielderr.KindIO, "no snapshot in directory").WithContext("dir", dir)
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("snapshot: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, Meta{}, fmt.Errorf("snapshot: decode meta: %w", err)
	}

	vocab := lexis.NewVocabulary()
	iter := db.NewIterator(util.BytesPrefix([]byte(prefixVocab)), nil)
	for iter.Next() {
		vocab.Add(string(iter.Value()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, Meta{}, fmt.Errorf("snapshot: read vocabulary: %w", err)
	}
	if vocab.Size() != meta.VocabSize {
		return nil, Meta{}, fmt.Errorf("snapshot: vocabulary has %d forms, meta says %d", vocab.Size(), meta.VocabSize)
	}

	var segs [][]types.Token
	var weights []int
	iter = db.NewIterator(util.BytesPrefix([]byte(prefixSegment)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, Meta{}, err
		}
		var rec segmentRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, Meta{}, fmt.Errorf("snapshot: decode segment %s: %w", iter.Key(), err)
		}
		segs = append(segs, rec.Tokens)
		weights = append(weights, rec.Weight)
	}
	if err := iter.Error(); err != nil {
		return nil, Meta{}, fmt.Errorf("snapshot: read segments: %w", err)
	}

	store := freqstore.BuildSegments(vocab, segs, weights)
	slog.Info("[SNAPSHOT] loaded", "id", meta.ID, "dir", dir, "tokens", store.TokenCount())
	return store, meta, nil
}
