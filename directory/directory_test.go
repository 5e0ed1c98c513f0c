package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatserver/db"
	"chatserver/errs"
	"chatserver/pubsub"
	"chatserver/store"
	"chatserver/types"
)

func newTestDirectory(t *testing.T) (*Directory, *store.Store) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "directory_test.sqlite"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.EnsureSchema(conn); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	st := store.New(conn)
	return New(st, 100, zerolog.Nop()), st
}

func createUserWithRole(t *testing.T, st *store.Store, username, roleName string) types.UserData {
	t.Helper()
	role, err := st.GetRoleByName(context.Background(), roleName)
	if err != nil {
		t.Fatalf("load role %s: %v", roleName, err)
	}
	u := types.UserData{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: username,
		Active:      true,
		RoleID:      role.ID,
	}
	if err := st.CreateUser(context.Background(), u, "x"); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func expectCode(t *testing.T, err error, code errs.Code) {
	t.Helper()
	if !errs.Is(err, code) {
		t.Fatalf("expected error code %s, got %v", code, err)
	}
}

func TestCreateChannelValidation(t *testing.T) {
	d, st := newTestDirectory(t)
	ctx := context.Background()
	alice := createUserWithRole(t, st, "alice", "user")

	if _, err := d.CreateChannel(ctx, alice.ID, "ab", false, 0); err == nil {
		t.Fatalf("expected short name to be rejected")
	}
	if _, err := d.CreateChannel(ctx, alice.ID, "General Chat", false, 0); err == nil {
		t.Fatalf("expected invalid characters to be rejected")
	}
	if _, err := d.CreateChannel(ctx, alice.ID, "general", false, 1); err == nil {
		t.Fatalf("expected max_members below 2 to be rejected")
	}

	ch, err := d.CreateChannel(ctx, alice.ID, "general", false, 0)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if ch.MaxMembers != 100 {
		t.Fatalf("expected default max_members 100, got %d", ch.MaxMembers)
	}

	// Creator is joined as owner.
	m, err := d.Membership(ctx, ch.ID, alice.ID)
	if err != nil {
		t.Fatalf("creator membership: %v", err)
	}
	if m.Role != "owner" {
		t.Fatalf("expected owner role, got %s", m.Role)
	}

	_, err = d.CreateChannel(ctx, alice.ID, "general", false, 0)
	expectCode(t, err, errs.CodeConflict)
}

func TestJoinLeaveAndMembership(t *testing.T) {
	d, st := newTestDirectory(t)
	ctx := context.Background()
	alice := createUserWithRole(t, st, "alice", "user")
	bob := createUserWithRole(t, st, "bob", "user")

	ch, err := d.CreateChannel(ctx, alice.ID, "general", false, 0)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	_, err = d.Membership(ctx, ch.ID, bob.ID)
	expectCode(t, err, errs.CodeNotMember)

	if _, err := d.Join(ctx, bob.ID, ch.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	// Rejoining is a no-op, not an error.
	if _, err := d.Join(ctx, bob.ID, ch.ID); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	if err := d.Leave(ctx, bob.ID, ch.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	_, err = d.Membership(ctx, ch.ID, bob.ID)
	expectCode(t, err, errs.CodeNotMember)
}

func TestJoinFullChannel(t *testing.T) {
	d, st := newTestDirectory(t)
	ctx := context.Background()
	alice := createUserWithRole(t, st, "alice", "user")
	bob := createUserWithRole(t, st, "bob", "user")
	carol := createUserWithRole(t, st, "carol", "user")

	ch, err := d.CreateChannel(ctx, alice.ID, "tiny", false, 2)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if _, err := d.Join(ctx, bob.ID, ch.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	_, err = d.Join(ctx, carol.ID, ch.ID)
	expectCode(t, err, errs.CodeChannelFull)

	// Existing members can rejoin even at capacity.
	if _, err := d.Join(ctx, bob.ID, ch.ID); err != nil {
		t.Fatalf("rejoin of full channel: %v", err)
	}
}

func TestKickRequiresModerator(t *testing.T) {
	d, st := newTestDirectory(t)
	ctx := context.Background()
	owner := createUserWithRole(t, st, "owner", "user")
	bob := createUserWithRole(t, st, "bob", "user")
	carol := createUserWithRole(t, st, "carol", "user")
	mod := createUserWithRole(t, st, "mod", "moderator")

	ch, err := d.CreateChannel(ctx, owner.ID, "general", false, 0)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	for _, u := range []types.UserData{bob, carol, mod} {
		if _, err := d.Join(ctx, u.ID, ch.ID); err != nil {
			t.Fatalf("join %s: %v", u.Username, err)
		}
	}

	// A plain member cannot kick.
	err = d.Kick(ctx, bob.ID, ch.ID, carol.ID)
	expectCode(t, err, errs.CodeInsufficientRole)

	removed := make(chan string, 2)
	d.OnMembershipRemoved(func(channelID, userID string) { removed <- userID })

	// The channel owner can.
	if err := d.Kick(ctx, owner.ID, ch.ID, carol.ID); err != nil {
		t.Fatalf("owner kick: %v", err)
	}
	// So can a moderator by global capability.
	if err := d.Kick(ctx, mod.ID, ch.ID, bob.ID); err != nil {
		t.Fatalf("moderator kick: %v", err)
	}

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case id := <-removed:
			seen[id] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for removal events, saw %v", seen)
		}
	}
	if !seen[carol.ID] || !seen[bob.ID] {
		t.Fatalf("expected removal events for both kicks, saw %v", seen)
	}
}

func TestMuteAndArchive(t *testing.T) {
	d, st := newTestDirectory(t)
	ctx := context.Background()
	owner := createUserWithRole(t, st, "owner", "user")
	bob := createUserWithRole(t, st, "bob", "user")
	admin := createUserWithRole(t, st, "admin", "admin")

	ch, err := d.CreateChannel(ctx, owner.ID, "general", false, 0)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if _, err := d.Join(ctx, bob.ID, ch.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := d.Mute(ctx, owner.ID, ch.ID, bob.ID, true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	m, err := d.Membership(ctx, ch.ID, bob.ID)
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if !m.Muted {
		t.Fatalf("expected bob to be muted")
	}

	err = d.Archive(ctx, bob.ID, ch.ID)
	expectCode(t, err, errs.CodeInsufficientRole)

	if err := d.Archive(ctx, admin.ID, ch.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, err := d.Channel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if !got.Archived {
		t.Fatalf("expected channel to be archived")
	}

	// No new members once archived.
	carol := createUserWithRole(t, st, "carol", "user")
	if _, err := d.Join(ctx, carol.ID, ch.ID); err == nil {
		t.Fatalf("expected join of archived channel to fail")
	}
}

func TestOwnerRoleSurvivesRestart(t *testing.T) {
	d, st := newTestDirectory(t)
	ctx := context.Background()
	owner := createUserWithRole(t, st, "owner", "user")
	bob := createUserWithRole(t, st, "bob", "user")

	ch, err := d.CreateChannel(ctx, owner.ID, "general", false, 0)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if _, err := d.Join(ctx, bob.ID, ch.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	// A fresh directory over the same store simulates a restart: nothing is
	// cached, every read comes from disk.
	restarted := New(st, 100, zerolog.Nop())
	m, err := restarted.Membership(ctx, ch.ID, owner.ID)
	if err != nil {
		t.Fatalf("owner membership after restart: %v", err)
	}
	if m.Role != "owner" {
		t.Fatalf("owner role lost across restart: got %q", m.Role)
	}
	if err := restarted.Kick(ctx, owner.ID, ch.ID, bob.ID); err != nil {
		t.Fatalf("owner kick after restart: %v", err)
	}
}

// twoDirectories builds two directory instances over one store, joined by an
// in-process bus the way peer processes share redis.
func twoDirectories(t *testing.T) (*Directory, *Directory, *store.Store) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "directory_test.sqlite"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.EnsureSchema(conn); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	st := store.New(conn)
	a := New(st, 100, zerolog.Nop())
	b := New(st, 100, zerolog.Nop())
	bus := pubsub.NewInProcBus()
	a.SetBus(bus, "instance-a")
	b.SetBus(bus, "instance-b")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx, a.HandleBusEvent)
	go bus.Run(ctx, b.HandleBusEvent)
	// Give Run a moment to register its handlers.
	time.Sleep(20 * time.Millisecond)
	return a, b, st
}

func TestMembershipChangesReachPeerInstances(t *testing.T) {
	a, b, st := twoDirectories(t)
	ctx := context.Background()
	owner := createUserWithRole(t, st, "owner", "user")
	bob := createUserWithRole(t, st, "bob", "user")

	ch, err := a.CreateChannel(ctx, owner.ID, "general", false, 0)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if _, err := a.Join(ctx, bob.ID, ch.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Warm instance B's cache with bob's unmuted membership.
	m, err := b.Membership(ctx, ch.ID, bob.ID)
	if err != nil {
		t.Fatalf("membership on peer: %v", err)
	}
	if m.Muted {
		t.Fatalf("bob should start unmuted")
	}

	// Mute on A must be visible through B, not masked by B's cache.
	if err := a.Mute(ctx, owner.ID, ch.ID, bob.ID, true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	m, err = b.Membership(ctx, ch.ID, bob.ID)
	if err != nil {
		t.Fatalf("membership on peer after mute: %v", err)
	}
	if !m.Muted {
		t.Fatalf("peer instance still sees bob unmuted")
	}

	// Same for a kick: B must stop treating bob as a member.
	if err := a.Kick(ctx, owner.ID, ch.ID, bob.ID); err != nil {
		t.Fatalf("kick: %v", err)
	}
	_, err = b.Membership(ctx, ch.ID, bob.ID)
	expectCode(t, err, errs.CodeNotMember)
}

func TestArchiveReachesPeerInstances(t *testing.T) {
	a, b, st := twoDirectories(t)
	ctx := context.Background()
	owner := createUserWithRole(t, st, "owner", "user")
	admin := createUserWithRole(t, st, "admin", "admin")

	ch, err := a.CreateChannel(ctx, owner.ID, "general", false, 0)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	// Warm B's channel cache.
	if _, err := b.Channel(ctx, ch.ID); err != nil {
		t.Fatalf("channel on peer: %v", err)
	}

	if err := a.Archive(ctx, admin.ID, ch.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, err := b.Channel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("channel on peer after archive: %v", err)
	}
	if !got.Archived {
		t.Fatalf("peer instance still sees the channel live")
	}
}
