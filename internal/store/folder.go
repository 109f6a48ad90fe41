package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

func folderMarkerName(path string) string {
	return strings.ReplaceAll(path, "/", "_")
}

// MarkFolderProcessed records that folderPath has been fully processed,
// writing the completion timestamp to stats/processed/<folder> (spec §6).
func (s *Store) MarkFolderProcessed(folderPath string) error {
	path := s.path(dirProcessed, folderMarkerName(folderPath))
	line := fmt.Sprintf("%d", time.Now().Unix())
	if err := s.withLock(lockNameForRecord("processed", folderPath), func() error {
		return writeAtomic(path, []byte(line), filePerm)
	}); err != nil {
		return migrateerr.New(migrateerr.Internal, "store.MarkFolderProcessed", err)
	}
	return nil
}

// IsFolderProcessed reports whether folderPath carries a processed marker.
func (s *Store) IsFolderProcessed(folderPath string) (bool, error) {
	data, err := readOrEmpty(s.path(dirProcessed, folderMarkerName(folderPath)))
	if err != nil {
		return false, migrateerr.New(migrateerr.Internal, "store.IsFolderProcessed", err)
	}
	return len(data) > 0, nil
}

// beingProcessedSuffix marks an in-flight folder distinctly from a
// completed one so the two markers never collide on disk.
const beingProcessedSuffix = ".inprogress"

// StartFolderProcessing records the start of work on folderPath.
func (s *Store) StartFolderProcessing(folderPath string) error {
	path := s.path(dirProcessed, folderMarkerName(folderPath)+beingProcessedSuffix)
	line := fmt.Sprintf("%d", time.Now().Unix())
	if err := s.withLock(lockNameForRecord("inprogress", folderPath), func() error {
		return writeAtomic(path, []byte(line), filePerm)
	}); err != nil {
		return migrateerr.New(migrateerr.Internal, "store.StartFolderProcessing", err)
	}
	return nil
}

// CompleteFolderProcessing clears the in-flight marker and sets the
// processed marker for folderPath.
func (s *Store) CompleteFolderProcessing(folderPath string) error {
	inFlight := s.path(dirProcessed, folderMarkerName(folderPath)+beingProcessedSuffix)
	if err := s.withLock(lockNameForRecord("inprogress", folderPath), func() error {
		return removeIfExists(inFlight)
	}); err != nil {
		return migrateerr.New(migrateerr.Internal, "store.CompleteFolderProcessing", err)
	}
	return s.MarkFolderProcessed(folderPath)
}

// IsFolderBeingProcessed reports whether folderPath has an open in-flight
// marker (i.e., StartFolderProcessing ran but CompleteFolderProcessing has
// not yet).
func (s *Store) IsFolderBeingProcessed(folderPath string) (bool, error) {
	data, err := readOrEmpty(s.path(dirProcessed, folderMarkerName(folderPath)+beingProcessedSuffix))
	if err != nil {
		return false, migrateerr.New(migrateerr.Internal, "store.IsFolderBeingProcessed", err)
	}
	return len(data) > 0, nil
}
