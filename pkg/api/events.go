// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"iscsitarget/pkg/logger"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

const watcherBacklog = 64

// EventBroker receives connection-closed notifications from the driver and
// fans them out to API watchers. A watcher that falls behind loses events.
type EventBroker struct {
	mutex    sync.Mutex
	watchers map[uuid.UUID]chan ConnectionClosedEvent
}

func NewEventBroker() *EventBroker {
	return &EventBroker{watchers: make(map[uuid.UUID]chan ConnectionClosedEvent)}
}

func (broker *EventBroker) ConnectionClosed(targetId int, sessionId uint64, cid uint16) {
	log := logger.GetLogger()
	event := ConnectionClosedEvent{
		TargetId:  targetId,
		SessionId: sessionId,
		CID:       cid,
		Time:      time.Now(),
	}
	log.Infof("connection closed: tid %d sid 0x%x cid %d", targetId, sessionId, cid)
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	for id, watcher := range broker.watchers {
		select {
		case watcher <- event:
		default:
			log.Warnf("watcher %s is too slow, dropping event", id)
		}
	}
}

// Subscribe registers a watcher. The returned function unregisters it and
// closes the channel.
func (broker *EventBroker) Subscribe() (<-chan ConnectionClosedEvent, func()) {
	id := uuid.NewV4()
	events := make(chan ConnectionClosedEvent, watcherBacklog)
	broker.mutex.Lock()
	broker.watchers[id] = events
	broker.mutex.Unlock()
	var once sync.Once
	return events, func() {
		once.Do(func() {
			broker.mutex.Lock()
			delete(broker.watchers, id)
			broker.mutex.Unlock()
			close(events)
		})
	}
}

func (broker *EventBroker) watcherCount() int {
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	return len(broker.watchers)
}
