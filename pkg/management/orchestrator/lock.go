/*
Copyright The PostgreSQL Operation Manager Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Holder describes who is holding the operation lock
type Holder struct {
	ID        string
	Operation string
	StartedAt time.Time
	Deadline  time.Time
}

// OperationLock is the process-wide mutex serializing every mutating
// operation. Contenders never wait: they fail fast with a BUSY error.
type OperationLock struct {
	mu     sync.Mutex
	holder *Holder
}

// NewOperationLock creates a released operation lock
func NewOperationLock() *OperationLock {
	return &OperationLock{}
}

// TryAcquire takes the lock for the named operation, or reports who is
// holding it
func (l *OperationLock) TryAcquire(operation string, budget time.Duration) (*Holder, *OperationError) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != nil {
		held := *l.holder
		return nil, newBusyError(&held)
	}

	now := time.Now()
	l.holder = &Holder{
		ID:        uuid.New().String(),
		Operation: operation,
		StartedAt: now,
		Deadline:  now.Add(budget),
	}
	return l.holder, nil
}

// Release frees the lock. Releasing with a stale holder is a no-op, so
// every exit path of an operation may call it unconditionally.
func (l *OperationLock) Release(holder *Holder) {
	if holder == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != nil && l.holder.ID == holder.ID {
		l.holder = nil
	}
}

// Current returns a copy of the current holder, or nil when released
func (l *OperationLock) Current() *Holder {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder == nil {
		return nil
	}
	held := *l.holder
	return &held
}
