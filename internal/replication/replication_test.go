package replication

import (
	"sync"
	"time"

	"github.com/calan/calansync/internal/models"
)

// memStore is an in-memory TaskStore for tests.
type memStore struct {
	mu    sync.Mutex
	saved models.TaskMap
	saves int
}

func newMemStore(seed models.TaskMap) *memStore {
	if seed == nil {
		seed = models.TaskMap{}
	}
	return &memStore{saved: seed.Clone()}
}

func (m *memStore) LoadAll() (models.TaskMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved.Live(), nil
}

func (m *memStore) LoadAllWithTombstones() (models.TaskMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved.Clone(), nil
}

func (m *memStore) SaveAll(tasks models.TaskMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = tasks.Clone()
	m.saves++
	return nil
}

func (m *memStore) snapshot() models.TaskMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved.Clone()
}

// fakeSender records outbound datagrams.
type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (f *fakeSender) Send(payload []byte, addr string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errSendFailed
	}
	copied := make([]byte, len(payload))
	copy(copied, payload)
	f.sent = append(f.sent, copied)
	return nil
}

func (f *fakeSender) payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type sendError string

func (e sendError) Error() string { return string(e) }

const errSendFailed = sendError("send failed")

// tsAt builds an ISO-8601 timestamp at the given hour on a fixed day.
func tsAt(hour int) string {
	return time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC).Format("2006-01-02T15:04:05")
}
