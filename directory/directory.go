package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatserver/errs"
	"chatserver/pubsub"
	"chatserver/store"
	"chatserver/types"
)

// Directory is the authoritative membership view: a write-through cache over
// the store for channels and channel memberships. Only the directory mutates
// its cache; everyone else reads through it.
type Directory struct {
	store             *store.Store
	defaultMaxMembers int
	log               zerolog.Logger

	bus        pubsub.Bus
	instanceID string

	mu          sync.RWMutex
	channels    map[string]types.Channel
	memberships map[string]map[string]types.ChannelMembership // channelID -> userID

	removedFns []func(channelID, userID string)
}

func New(st *store.Store, defaultMaxMembers int, log zerolog.Logger) *Directory {
	return &Directory{
		store:             st,
		defaultMaxMembers: defaultMaxMembers,
		log:               log,
		channels:          make(map[string]types.Channel),
		memberships:       make(map[string]map[string]types.ChannelMembership),
	}
}

// SetBus attaches the cross-instance bus. Membership and channel mutations
// publish a control event so peer caches drop the stale entry; without it a
// mute or kick applied here would never reach a member posting through
// another instance.
func (d *Directory) SetBus(bus pubsub.Bus, instanceID string) {
	d.bus = bus
	d.instanceID = instanceID
}

func (d *Directory) publishChange(ctx context.Context, eventType, channelID, userID string) {
	if d.bus == nil {
		return
	}
	ev := pubsub.Event{
		RoomID: channelID,
		Origin: d.instanceID,
		Type:   eventType,
		UserID: userID,
	}
	if err := d.bus.Publish(ctx, ev); err != nil {
		d.log.Warn().Err(err).Str("channel", channelID).Str("event", eventType).
			Msg("membership change publish failed, peer caches may lag")
	}
}

// HandleBusEvent drops cache entries invalidated by a peer instance. The
// next read goes back to the store.
func (d *Directory) HandleBusEvent(ev pubsub.Event) {
	if ev.Origin == d.instanceID {
		return
	}
	switch ev.Type {
	case pubsub.EventMembershipChanged:
		d.dropMember(ev.RoomID, ev.UserID)
	case pubsub.EventChannelChanged:
		d.mu.Lock()
		delete(d.channels, ev.RoomID)
		d.mu.Unlock()
	}
}

// OnMembershipRemoved registers a listener for leave/kick, so the connection
// layer can tear down the member's room subscriptions.
func (d *Directory) OnMembershipRemoved(fn func(channelID, userID string)) {
	d.mu.Lock()
	d.removedFns = append(d.removedFns, fn)
	d.mu.Unlock()
}

func (d *Directory) emitRemoved(channelID, userID string) {
	d.mu.RLock()
	fns := append([]func(string, string){}, d.removedFns...)
	d.mu.RUnlock()
	for _, fn := range fns {
		go fn(channelID, userID)
	}
}

func validChannelName(name string) bool {
	if len(name) < 3 || len(name) > 50 {
		return false
	}
	for _, c := range name {
		ok := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-'
		if !ok {
			return false
		}
	}
	return true
}

func (d *Directory) actorRole(ctx context.Context, actorID string) (types.Role, error) {
	user, err := d.store.GetUser(ctx, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Role{}, errs.New(errs.CodeNotFound, "user not found")
		}
		return types.Role{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup actor", err)
	}
	if !user.Active {
		return types.Role{}, errs.New(errs.CodeInsufficientRole, "account is deactivated")
	}
	role, err := d.store.GetRole(ctx, user.RoleID)
	if err != nil {
		return types.Role{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup role", err)
	}
	return role, nil
}

// CreateChannel creates a channel and joins the creator as its owner.
func (d *Directory) CreateChannel(ctx context.Context, actorID, name string, isPrivate bool, maxMembers int) (types.Channel, error) {
	role, err := d.actorRole(ctx, actorID)
	if err != nil {
		return types.Channel{}, err
	}
	if !role.Has(types.CapCreateChannels) {
		return types.Channel{}, errs.New(errs.CodeInsufficientRole, "not allowed to create channels")
	}
	if !validChannelName(name) {
		return types.Channel{}, errs.New(errs.CodeMalformedTarget, "channel name must be 3-50 chars of a-z, 0-9 or -")
	}
	if maxMembers == 0 {
		maxMembers = d.defaultMaxMembers
	}
	if maxMembers < 2 || maxMembers > 200 {
		return types.Channel{}, errs.New(errs.CodeMalformedTarget, "max_members must be between 2 and 200")
	}

	ch := types.Channel{
		ID:         uuid.NewString(),
		Name:       name,
		IsPrivate:  isPrivate,
		MaxMembers: maxMembers,
	}
	if err := d.store.CreateChannel(ctx, ch); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return types.Channel{}, errs.New(errs.CodeConflict, "channel name is already taken")
		}
		return types.Channel{}, errs.Wrap(errs.CodePersistenceUnavailable, "create channel", err)
	}
	if err := d.store.AddMember(ctx, ch.ID, actorID, "owner", ch.MaxMembers); err != nil {
		return types.Channel{}, errs.Wrap(errs.CodePersistenceUnavailable, "join creator", err)
	}

	d.mu.Lock()
	d.channels[ch.ID] = ch
	d.memberships[ch.ID] = map[string]types.ChannelMembership{
		actorID: {ChannelID: ch.ID, UserID: actorID, Role: "owner"},
	}
	d.mu.Unlock()

	d.log.Info().Str("channel", ch.Name).Str("actor", actorID).Msg("channel created")
	return ch, nil
}

func (d *Directory) ListChannels(ctx context.Context) ([]types.Channel, error) {
	channels, err := d.store.ListChannels(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "list channels", err)
	}
	return channels, nil
}

// Channel reads through the cache.
func (d *Directory) Channel(ctx context.Context, id string) (types.Channel, error) {
	d.mu.RLock()
	ch, ok := d.channels[id]
	d.mu.RUnlock()
	if ok {
		return ch, nil
	}

	ch, err := d.store.GetChannel(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ch, errs.New(errs.CodeNotFound, "channel not found")
		}
		return ch, errs.Wrap(errs.CodePersistenceUnavailable, "lookup channel", err)
	}

	d.mu.Lock()
	d.channels[id] = ch
	d.mu.Unlock()
	return ch, nil
}

// Membership reads through the cache. Returns CodeNotMember when absent.
func (d *Directory) Membership(ctx context.Context, channelID, userID string) (types.ChannelMembership, error) {
	d.mu.RLock()
	if members, ok := d.memberships[channelID]; ok {
		if m, ok := members[userID]; ok {
			d.mu.RUnlock()
			return m, nil
		}
	}
	d.mu.RUnlock()

	m, err := d.store.GetMembership(ctx, channelID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return m, errs.New(errs.CodeNotMember, "not a member of this channel")
		}
		return m, errs.Wrap(errs.CodePersistenceUnavailable, "lookup membership", err)
	}

	d.mu.Lock()
	if d.memberships[channelID] == nil {
		d.memberships[channelID] = make(map[string]types.ChannelMembership)
	}
	d.memberships[channelID][userID] = m
	d.mu.Unlock()
	return m, nil
}

// Join adds the user; joining a channel you are already in is a no-op. The
// capacity check happens in the store's conditional insert, so concurrent
// joins cannot exceed max_members.
func (d *Directory) Join(ctx context.Context, userID, channelID string) (types.Channel, error) {
	ch, err := d.Channel(ctx, channelID)
	if err != nil {
		return ch, err
	}
	if ch.Archived {
		return ch, errs.New(errs.CodeNotFound, "channel is archived")
	}

	err = d.store.AddMember(ctx, channelID, userID, "member", ch.MaxMembers)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return ch, nil
	case errors.Is(err, store.ErrChannelFull):
		return ch, errs.New(errs.CodeChannelFull, "channel is at capacity")
	case err != nil:
		return ch, errs.Wrap(errs.CodePersistenceUnavailable, "join channel", err)
	}

	d.mu.Lock()
	if d.memberships[channelID] == nil {
		d.memberships[channelID] = make(map[string]types.ChannelMembership)
	}
	d.memberships[channelID][userID] = types.ChannelMembership{
		ChannelID: channelID, UserID: userID, Role: "member",
	}
	d.mu.Unlock()
	return ch, nil
}

func (d *Directory) Leave(ctx context.Context, userID, channelID string) error {
	if err := d.store.RemoveMember(ctx, channelID, userID); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "leave channel", err)
	}
	d.dropMember(channelID, userID)
	d.publishChange(ctx, pubsub.EventMembershipChanged, channelID, userID)
	d.emitRemoved(channelID, userID)
	return nil
}

// Kick removes another member. Allowed for channel owners and actors with
// the ban capability.
func (d *Directory) Kick(ctx context.Context, actorID, channelID, targetID string) error {
	if err := d.requireModerator(ctx, actorID, channelID); err != nil {
		return err
	}
	if _, err := d.Membership(ctx, channelID, targetID); err != nil {
		return err
	}
	if err := d.store.RemoveMember(ctx, channelID, targetID); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "kick member", err)
	}
	d.dropMember(channelID, targetID)
	d.publishChange(ctx, pubsub.EventMembershipChanged, channelID, targetID)
	d.emitRemoved(channelID, targetID)
	return nil
}

// Mute flips the target's muted flag in the channel.
func (d *Directory) Mute(ctx context.Context, actorID, channelID, targetID string, muted bool) error {
	if err := d.requireModerator(ctx, actorID, channelID); err != nil {
		return err
	}
	if err := d.store.SetMemberMuted(ctx, channelID, targetID, muted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.New(errs.CodeNotMember, "target is not a member of this channel")
		}
		return errs.Wrap(errs.CodePersistenceUnavailable, "mute member", err)
	}

	d.mu.Lock()
	if members, ok := d.memberships[channelID]; ok {
		if m, ok := members[targetID]; ok {
			m.Muted = muted
			members[targetID] = m
		}
	}
	d.mu.Unlock()
	d.publishChange(ctx, pubsub.EventMembershipChanged, channelID, targetID)
	return nil
}

func (d *Directory) Archive(ctx context.Context, actorID, channelID string) error {
	role, err := d.actorRole(ctx, actorID)
	if err != nil {
		return err
	}
	if !role.Has(types.CapModifyChannels) {
		return errs.New(errs.CodeInsufficientRole, "not allowed to archive channels")
	}
	if err := d.store.SetChannelArchived(ctx, channelID, true); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "archive channel", err)
	}

	d.mu.Lock()
	if ch, ok := d.channels[channelID]; ok {
		ch.Archived = true
		d.channels[channelID] = ch
	}
	d.mu.Unlock()
	d.publishChange(ctx, pubsub.EventChannelChanged, channelID, "")
	return nil
}

func (d *Directory) Members(ctx context.Context, channelID string) ([]types.ChannelMembership, error) {
	members, err := d.store.ListMembers(ctx, channelID)
	if err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "list members", err)
	}
	return members, nil
}

func (d *Directory) requireModerator(ctx context.Context, actorID, channelID string) error {
	m, err := d.Membership(ctx, channelID, actorID)
	if err == nil && m.Role == "owner" {
		return nil
	}
	role, err := d.actorRole(ctx, actorID)
	if err != nil {
		return err
	}
	if !role.Has(types.CapBanUsers) {
		return errs.New(errs.CodeInsufficientRole, "moderator rights required")
	}
	return nil
}

func (d *Directory) dropMember(channelID, userID string) {
	d.mu.Lock()
	if members, ok := d.memberships[channelID]; ok {
		delete(members, userID)
	}
	d.mu.Unlock()
}
