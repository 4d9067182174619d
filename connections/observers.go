// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package connections

import (
	"sync"

	"querydock/platform/connections/base"
)

// Observer receives lifecycle notifications from the Manager.
// Delivery is synchronous and in registration order; observers must not
// block. No delivery guarantee exists beyond that contract.
type Observer interface {
	ConnectionAdded(ownerURI string, profile *base.ConnectionProfile)
	ConnectionDeleted(ownerURI string)
	LanguageFlavorChanged(ownerURI, language, flavor string)
}

type observerList struct {
	mu        sync.RWMutex
	observers []Observer
}

func (l *observerList) subscribe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

func (l *observerList) snapshot() []Observer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Observer, len(l.observers))
	copy(out, l.observers)
	return out
}

func (l *observerList) notifyAdded(ownerURI string, profile *base.ConnectionProfile) {
	for _, o := range l.snapshot() {
		o.ConnectionAdded(ownerURI, profile)
	}
}

func (l *observerList) notifyDeleted(ownerURI string) {
	for _, o := range l.snapshot() {
		o.ConnectionDeleted(ownerURI)
	}
}

func (l *observerList) notifyFlavorChanged(ownerURI, language, flavor string) {
	for _, o := range l.snapshot() {
		o.LanguageFlavorChanged(ownerURI, language, flavor)
	}
}
