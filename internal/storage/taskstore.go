// Package storage persists tasks on disk: one directory per task holding
// metadata, output and events, plus a single JSON index for listing.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/valter-silva-au/taskd/pkg/models"
)

const (
	indexFileName    = "tasks_index.json"
	metadataFileName = "metadata.json"
	outputFileName   = "output.log"
	eventsFileName   = "events.jsonl"
)

// ErrTaskNotFound is returned when a task ID has no directory or index row.
var ErrTaskNotFound = errors.New("task not found")

// IndexEntry is the summary row kept for every task in tasks_index.json.
type IndexEntry struct {
	TaskID    string            `json:"task_id"`
	Name      string            `json:"name"`
	TaskType  models.TaskType   `json:"task_type"`
	Status    models.TaskStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TaskFilter specifies criteria for listing tasks. Set fields use AND logic.
type TaskFilter struct {
	Status models.TaskStatus
	Type   models.TaskType
	Limit  int
}

// Output is a window of a task's output log.
type Output struct {
	TaskID     string `json:"task_id"`
	Content    string `json:"output"`
	Offset     int64  `json:"offset"`
	NextOffset int64  `json:"next_offset"`
	Size       int64  `json:"size"`
}

// TaskStorage defines file-backed persistence for tasks.
type TaskStorage interface {
	Initialize() error
	Root() string
	Ping() error

	SaveTask(task *models.Task) error
	LoadTask(taskID string) (*models.Task, error)
	DeleteTask(taskID string) error
	ListTasks(filter TaskFilter) ([]*models.Task, error)

	AppendOutput(taskID, text string) error
	ReadOutput(taskID string, offset int64, limit int) (*Output, error)
	AppendEvent(taskID string, event models.TaskEvent) error
	ReadEvents(taskID string, offset, limit int) ([]models.TaskEvent, error)

	OutputPath(taskID string) string
	EventsPath(taskID string) string

	CleanupOldTasks(retentionDays, maxTasks int) (int, error)
}

type fileTaskStorage struct {
	root string
	now  func() time.Time

	// mu serializes every read-modify-write of the index file. It only
	// protects callers inside this process; AcquireRootLock keeps other
	// daemons away from the same root.
	mu sync.Mutex

	// appendMu serializes appends to output and event logs.
	appendMu sync.Mutex
}

// NewTaskStorage creates a TaskStorage rooted at the given directory.
func NewTaskStorage(root string) TaskStorage {
	return &fileTaskStorage{
		root: root,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *fileTaskStorage) Root() string { return s.root }

func (s *fileTaskStorage) indexPath() string {
	return filepath.Join(s.root, indexFileName)
}

func (s *fileTaskStorage) taskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

func (s *fileTaskStorage) OutputPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), outputFileName)
}

func (s *fileTaskStorage) EventsPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), eventsFileName)
}

// Initialize creates the root directory and an empty index if absent.
func (s *fileTaskStorage) Initialize() error {
	if err := os.MkdirAll(s.root, 0o750); err != nil {
		return fmt.Errorf("initializing storage: creating root: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.indexPath()); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("initializing storage: checking index: %w", err)
	}
	if err := s.writeIndex(map[string]IndexEntry{}); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	return nil
}

// Ping checks that the root is reachable and the index parses.
func (s *fileTaskStorage) Ping() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("storage root unreachable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %s is not a directory", s.root)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.readIndex(); err != nil {
		return err
	}
	return nil
}

// validateID rejects IDs that would escape the storage root.
func validateID(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task ID must not be empty")
	}
	if taskID != filepath.Base(taskID) || taskID == "." || taskID == ".." {
		return fmt.Errorf("invalid task ID %q", taskID)
	}
	return nil
}

// SaveTask writes metadata.json and upserts the index row.
func (s *fileTaskStorage) SaveTask(task *models.Task) error {
	if err := validateID(task.ID); err != nil {
		return fmt.Errorf("saving task: %w", err)
	}

	dir := s.taskDir(task.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("saving task %s: creating directory: %w", task.ID, err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("saving task %s: marshaling metadata: %w", task.ID, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metadataFileName), data); err != nil {
		return fmt.Errorf("saving task %s: writing metadata: %w", task.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}
	index[task.ID] = IndexEntry{
		TaskID:    task.ID,
		Name:      task.Name,
		TaskType:  task.Type,
		Status:    task.Status,
		CreatedAt: task.CreatedAt,
		UpdatedAt: s.now(),
	}
	if err := s.writeIndex(index); err != nil {
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}
	return nil
}

// LoadTask reads a task's metadata.json.
func (s *fileTaskStorage) LoadTask(taskID string) (*models.Task, error) {
	if err := validateID(taskID); err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(s.taskDir(taskID), metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("loading task %s: %w", taskID, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("loading task %s: parsing metadata: %w", taskID, err)
	}
	return &task, nil
}

// DeleteTask removes the task directory and its index row.
func (s *fileTaskStorage) DeleteTask(taskID string) error {
	if err := validateID(taskID); err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(taskID)
}

func (s *fileTaskStorage) deleteLocked(taskID string) error {
	index, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", taskID, err)
	}

	dir := s.taskDir(taskID)
	_, inIndex := index[taskID]
	if _, statErr := os.Stat(dir); os.IsNotExist(statErr) && !inIndex {
		return fmt.Errorf("deleting task %s: %w", taskID, ErrTaskNotFound)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting task %s: removing directory: %w", taskID, err)
	}
	if inIndex {
		delete(index, taskID)
		if err := s.writeIndex(index); err != nil {
			return fmt.Errorf("deleting task %s: %w", taskID, err)
		}
	}
	return nil
}

// ListTasks filters the index, sorts newest first and loads full records.
// Index rows whose metadata has disappeared are skipped.
func (s *fileTaskStorage) ListTasks(filter TaskFilter) ([]*models.Task, error) {
	s.mu.Lock()
	index, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	entries := make([]IndexEntry, 0, len(index))
	for _, entry := range index {
		if matchesFilter(entry, filter) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].TaskID < entries[j].TaskID
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}

	tasks := make([]*models.Task, 0, len(entries))
	for _, entry := range entries {
		task, err := s.LoadTask(entry.TaskID)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		// The index row is written after metadata, so re-check the
		// persisted status against the filter.
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func matchesFilter(entry IndexEntry, filter TaskFilter) bool {
	if filter.Status != "" && entry.Status != filter.Status {
		return false
	}
	if filter.Type != "" && entry.TaskType != filter.Type {
		return false
	}
	return true
}

// AppendOutput appends raw text to the task's output.log.
func (s *fileTaskStorage) AppendOutput(taskID, text string) error {
	if err := validateID(taskID); err != nil {
		return fmt.Errorf("appending output: %w", err)
	}
	if text == "" {
		return nil
	}
	if err := s.appendFile(s.OutputPath(taskID), []byte(text)); err != nil {
		return fmt.Errorf("appending output for task %s: %w", taskID, err)
	}
	return nil
}

// ReadOutput reads up to limit bytes from offset. limit <= 0 reads to the end.
func (s *fileTaskStorage) ReadOutput(taskID string, offset int64, limit int) (*Output, error) {
	if err := validateID(taskID); err != nil {
		return nil, fmt.Errorf("reading output: %w", err)
	}
	if offset < 0 {
		offset = 0
	}

	out := &Output{TaskID: taskID, Offset: offset, NextOffset: offset}

	f, err := os.Open(s.OutputPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(s.taskDir(taskID)); os.IsNotExist(statErr) {
				return nil, fmt.Errorf("reading output for task %s: %w", taskID, ErrTaskNotFound)
			}
			return out, nil
		}
		return nil, fmt.Errorf("reading output for task %s: %w", taskID, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading output for task %s: %w", taskID, err)
	}
	out.Size = info.Size()
	if offset >= out.Size {
		out.NextOffset = out.Size
		return out, nil
	}

	var r io.Reader = io.NewSectionReader(f, offset, out.Size-offset)
	if limit > 0 {
		r = io.LimitReader(r, int64(limit))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading output for task %s: %w", taskID, err)
	}

	out.Content = string(data)
	out.NextOffset = offset + int64(len(data))
	return out, nil
}

// AppendEvent appends a JSON-encoded event followed by a newline.
func (s *fileTaskStorage) AppendEvent(taskID string, event models.TaskEvent) error {
	if err := validateID(taskID); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	if event.Time.IsZero() {
		event.Time = s.now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event for task %s: %w", taskID, err)
	}
	data = append(data, '\n')

	if err := s.appendFile(s.EventsPath(taskID), data); err != nil {
		return fmt.Errorf("appending event for task %s: %w", taskID, err)
	}
	return nil
}

// ReadEvents decodes events starting at the offset-th entry. Malformed lines
// are skipped and do not count toward offset or limit.
func (s *fileTaskStorage) ReadEvents(taskID string, offset, limit int) ([]models.TaskEvent, error) {
	if err := validateID(taskID); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	f, err := os.Open(s.EventsPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log for task %s: %w", taskID, err)
	}
	defer func() { _ = f.Close() }()

	var events []models.TaskEvent
	index := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event models.TaskEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if index >= offset {
			events = append(events, event)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		index++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event log for task %s: %w", taskID, err)
	}
	return events, nil
}

// CleanupOldTasks deletes terminal tasks that finished before the retention
// cutoff, then the oldest remaining terminal tasks until at most maxTasks
// tasks remain. Active and interrupted tasks are never removed.
func (s *fileTaskStorage) CleanupOldTasks(retentionDays, maxTasks int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return 0, fmt.Errorf("cleaning up tasks: %w", err)
	}

	type candidate struct {
		id       string
		finished time.Time
	}
	var terminal []candidate
	for id, entry := range index {
		if !entry.Status.IsTerminal() {
			continue
		}
		finished := entry.CreatedAt
		if task, err := s.LoadTask(id); err == nil {
			// The index row may lag; trust the persisted record.
			if !task.Status.IsTerminal() {
				continue
			}
			if task.CompletedAt != nil {
				finished = *task.CompletedAt
			}
		}
		terminal = append(terminal, candidate{id: id, finished: finished})
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].finished.Before(terminal[j].finished)
	})

	deleted := 0
	remaining := len(index)
	cutoff := s.now().AddDate(0, 0, -retentionDays)

	var kept []candidate
	for _, c := range terminal {
		if retentionDays > 0 && c.finished.Before(cutoff) {
			if err := s.deleteLocked(c.id); err != nil {
				return deleted, fmt.Errorf("cleaning up tasks: %w", err)
			}
			deleted++
			remaining--
			continue
		}
		kept = append(kept, c)
	}

	if maxTasks > 0 {
		for _, c := range kept {
			if remaining <= maxTasks {
				break
			}
			if err := s.deleteLocked(c.id); err != nil {
				return deleted, fmt.Errorf("cleaning up tasks: %w", err)
			}
			deleted++
			remaining--
		}
	}

	return deleted, nil
}

func (s *fileTaskStorage) appendFile(path string, data []byte) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readIndex must be called with mu held.
func (s *fileTaskStorage) readIndex() (map[string]IndexEntry, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]IndexEntry), nil
		}
		return nil, fmt.Errorf("reading index: %w", err)
	}
	index := make(map[string]IndexEntry)
	if len(data) == 0 {
		return index, nil
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	return index, nil
}

// writeIndex must be called with mu held.
func (s *fileTaskStorage) writeIndex(index map[string]IndexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}
	if err := writeFileAtomic(s.indexPath(), data); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
