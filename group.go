package main

import (
	"context"
	"sync"
)

// GroupInfo mirrors the original TioTcpServer's GroupInfo: a group is just
// a named volatile_map container (__meta__/groups/<name>) whose keys are
// the member container names, plus the list of sessions subscribed to
// "everything added to this group."
type GroupInfo struct {
	mu          sync.Mutex
	Name        string
	mirrorID    int64
	mirror      Backend
	subscribers []*groupSubscriber
}

type groupSubscriber struct {
	session   *Session
	startSpec string
}

// GroupManager owns every group, grounded directly on TioTcpServer.h's
// GroupManager/GroupInfo pair: AddContainer writes into the group's mirror
// container (driving SubscriptionTable delivery to anyone watching the
// mirror) and then fans the new member out to subscribers that joined via
// group_subscribe before the container existed.
type GroupManager struct {
	mu       sync.Mutex
	registry *ContainerRegistry
	subs     *SubscriptionTable
	groups   map[string]*GroupInfo
}

func NewGroupManager(registry *ContainerRegistry, subs *SubscriptionTable) *GroupManager {
	return &GroupManager{registry: registry, subs: subs, groups: make(map[string]*GroupInfo)}
}

func (gm *GroupManager) getOrCreate(name string) (*GroupInfo, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	if g, ok := gm.groups[name]; ok {
		return g, nil
	}
	mirrorID, mirror, err := gm.registry.OpenContainer("__meta__/groups/"+name, "volatile_map", "")
	if err != nil {
		return nil, err
	}
	g := &GroupInfo{Name: name, mirrorID: mirrorID, mirror: mirror}
	gm.groups[name] = g
	return g, nil
}

// AddContainer records containerName as a member of group, via
// Set(containerName, groupName) on the group's mirror map — exactly the
// shape of the original's containerListContainer_.Set(containerName,
// groupName) call.
func (gm *GroupManager) AddContainer(group, containerName string) error {
	g, err := gm.getOrCreate(group)
	if err != nil {
		return err
	}
	if err := g.mirror.Set(Record{Key: StringValueStr(containerName), Data: StringValueStr(group)}); err != nil {
		return err
	}

	storageID, backend, ok := gm.registry.LookupByName(containerName)
	if !ok {
		return nil
	}
	g.mu.Lock()
	subscribers := append([]*groupSubscriber(nil), g.subscribers...)
	g.mu.Unlock()
	for _, sub := range subscribers {
		if _, err := gm.subs.Subscribe(context.Background(), backend, storageID, sub.session, sub.startSpec); err != nil {
			continue
		}
	}
	return nil
}

// RemoveContainer is a documented no-op: the original TioTcpServer's
// GroupInfo::RemoveContainer always returns false, and nothing in the
// historical protocol ever relied on it succeeding. This port keeps that
// behavior rather than silently implementing removal (§9, §0).
func (gm *GroupManager) RemoveContainer(group, containerName string) {
	// intentional no-op
}

// Subscribe joins sess to every current and future member of group: it
// subscribes to the mirror container (so new members announce themselves,
// live-only — membership changes, not historical ones) and to every member
// container that already exists, using the caller's chosen startSpec for
// each member (§4.6).
func (gm *GroupManager) Subscribe(ctx context.Context, group string, sess *Session, registry *ContainerRegistry, subs *SubscriptionTable, startSpec string) error {
	g, err := gm.getOrCreate(group)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.subscribers = append(g.subscribers, &groupSubscriber{session: sess, startSpec: startSpec})
	g.mu.Unlock()

	if _, err := subs.Subscribe(ctx, g.mirror, g.mirrorID, sess, ""); err != nil {
		return err
	}

	return g.mirror.Snapshot(ctx, func(rec Record) bool {
		memberName := rec.Key.String()
		storageID, backend, ok := registry.LookupByName(memberName)
		if ok {
			_, _ = subs.Subscribe(ctx, backend, storageID, sess, startSpec)
		}
		return true
	})
}
