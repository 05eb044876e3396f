package utils

import (
	"sync"
)

// MutexMap provides a mutex per key. Entries are dropped once the last waiter
// releases them, so the map stays bounded by the number of keys in use.
type MutexMap struct {
	edit         sync.Mutex
	queueLengths map[string]int
	mutexes      map[string]*sync.Mutex
}

func NewMutexMap() MutexMap {
	return MutexMap{
		queueLengths: make(map[string]int),
		mutexes:      make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.edit.Lock()

	if m.mutexes[key] == nil {
		m.mutexes[key] = &sync.Mutex{}
		m.queueLengths[key] = 0
	}

	m.queueLengths[key]++
	m.edit.Unlock()

	m.mutexes[key].Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.edit.Lock()
	defer m.edit.Unlock()

	if m.mutexes[key] == nil {
		return
	}

	m.mutexes[key].Unlock()
	m.queueLengths[key]--

	if m.queueLengths[key] == 0 {
		delete(m.mutexes, key)
		delete(m.queueLengths, key)
	}
}
