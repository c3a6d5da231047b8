package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"

	"transcription-orchestrator/pkg/models"
)

// DiskStore persists finished job records and file metadata so progress and
// transcript queries survive a restart.
type DiskStore interface {
	StoreJob(job models.TranscriptionJob) error
	GetJob(id string) (models.TranscriptionJob, error)
	StoreFile(f models.FileInfo) error
	GetFile(id string) (models.FileInfo, error)
	DeleteFile(id string) error
	Close() error
}

type diskStore struct {
	db *badger.DB
}

func NewDiskStore(path string) (DiskStore, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(path, "badger"))
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &diskStore{db: db}, nil
}

func jobKey(id string) []byte  { return []byte("job:" + id) }
func fileKey(id string) []byte { return []byte("file:" + id) }

func (s *diskStore) StoreJob(job models.TranscriptionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job.ID), data)
	})
}

func (s *diskStore) GetJob(id string) (models.TranscriptionJob, error) {
	var job models.TranscriptionJob
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err == badger.ErrKeyNotFound {
		return models.TranscriptionJob{}, ErrJobNotFound
	}
	if err != nil {
		return models.TranscriptionJob{}, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *diskStore) StoreFile(f models.FileInfo) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal file record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fileKey(f.ID), data)
	})
}

func (s *diskStore) GetFile(id string) (models.FileInfo, error) {
	var f models.FileInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &f)
		})
	})
	if err == badger.ErrKeyNotFound {
		return models.FileInfo{}, ErrFileNotFound
	}
	if err != nil {
		return models.FileInfo{}, fmt.Errorf("failed to get file record: %w", err)
	}
	return f, nil
}

func (s *diskStore) DeleteFile(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fileKey(id))
	})
}

func (s *diskStore) Close() error {
	return s.db.Close()
}
