package services

import "github.com/im7mortal/kmutex"

// Locks serialises transitions per entity id inside this process. The row
// lock taken in the same transition covers other instances.
type Locks struct {
	km *kmutex.Kmutex
}

func NewLocks() *Locks {
	return &Locks{km: kmutex.New()}
}

// Lock blocks until id is free and returns the matching unlock.
func (l *Locks) Lock(id string) func() {
	l.km.Lock(id)
	return func() { l.km.Unlock(id) }
}
