package swap_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HammerMeetNail/slotswap/internal/logging"
	"github.com/HammerMeetNail/slotswap/internal/models"
	"github.com/HammerMeetNail/slotswap/internal/store/memory"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

var errInjected = errors.New("injected failure")

// faultyStore wraps a store and lets a test fail individual writes.
type faultyStore struct {
	swap.Store

	mu       sync.Mutex
	slotHook func(ctx context.Context, t swap.SlotTransition) error
	swapHook func(ctx context.Context, write string, id uuid.UUID) error
}

func (f *faultyStore) slotFault(ctx context.Context, t swap.SlotTransition) error {
	f.mu.Lock()
	hook := f.slotHook
	f.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx, t)
}

func (f *faultyStore) swapFault(ctx context.Context, write string, id uuid.UUID) error {
	f.mu.Lock()
	hook := f.swapHook
	f.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx, write, id)
}

func (f *faultyStore) UpdateSlotStatus(ctx context.Context, t swap.SlotTransition) error {
	if err := f.slotFault(ctx, t); err != nil {
		return err
	}
	return f.Store.UpdateSlotStatus(ctx, t)
}

func (f *faultyStore) UpdateSwapStatus(ctx context.Context, id uuid.UUID, from, to models.SwapStatus, respondedAt *time.Time) error {
	if err := f.swapFault(ctx, "update", id); err != nil {
		return err
	}
	return f.Store.UpdateSwapStatus(ctx, id, from, to, respondedAt)
}

func (f *faultyStore) DeleteSwap(ctx context.Context, id uuid.UUID, expected models.SwapStatus) error {
	if err := f.swapFault(ctx, "delete", id); err != nil {
		return err
	}
	return f.Store.DeleteSwap(ctx, id, expected)
}

func (f *faultyStore) CancelSwap(ctx context.Context, id uuid.UUID) error {
	if err := f.swapFault(ctx, "cancel", id); err != nil {
		return err
	}
	return f.Store.CancelSwap(ctx, id)
}

func (f *faultyStore) RestoreSwap(ctx context.Context, req *models.SwapRequest) error {
	if err := f.swapFault(ctx, "restore", req.ID); err != nil {
		return err
	}
	return f.Store.RestoreSwap(ctx, req)
}

type fixture struct {
	t      *testing.T
	store  *memory.Store
	faults *faultyStore
	engine *swap.Engine
	alice  uuid.UUID
	bob    uuid.UUID
	carol  uuid.UUID
}

func quietLogger() *logging.Logger {
	return logging.New().SetOutput(io.Discard).SetLevel(logging.LevelError)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	faults := &faultyStore{Store: store}
	return &fixture{
		t:      t,
		store:  store,
		faults: faults,
		engine: swap.NewEngine(faults, swap.WithLogger(quietLogger()), swap.WithStoreTimeout(time.Second)),
		alice:  uuid.New(),
		bob:    uuid.New(),
		carol:  uuid.New(),
	}
}

func (f *fixture) slot(owner uuid.UUID, status models.SlotStatus) *models.Slot {
	f.t.Helper()
	start := time.Now().Add(24 * time.Hour).Truncate(time.Minute)
	slot, err := f.store.CreateSlot(context.Background(), models.CreateSlotParams{
		OwnerID:   owner,
		Title:     "Shift",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Status:    status,
	})
	require.NoError(f.t, err)
	return slot
}

func (f *fixture) get(id uuid.UUID) *models.Slot {
	f.t.Helper()
	slot, err := f.store.GetSlot(context.Background(), id)
	require.NoError(f.t, err)
	return slot
}

func (f *fixture) propose(requester uuid.UUID, offered, wanted *models.Slot) *swap.ProposeResult {
	f.t.Helper()
	res, err := f.engine.Propose(context.Background(), swap.ProposeCommand{
		RequesterID:   requester,
		OfferedSlotID: offered.ID,
		WantedSlotID:  wanted.ID,
		Message:       "swap?",
	})
	require.NoError(f.t, err)
	return res
}

// assertStatusInvariant checks that a slot is SWAP_PENDING exactly when one
// PENDING request references it.
func (f *fixture) assertStatusInvariant() {
	f.t.Helper()
	ctx := context.Background()
	pending := models.SwapStatusPending
	reqs, err := f.store.ListSwaps(ctx, models.SwapFilter{Status: &pending})
	require.NoError(f.t, err)

	refs := map[uuid.UUID]int{}
	for _, req := range reqs {
		refs[req.MySlotID]++
		refs[req.TheirSlotID]++
	}
	for id, n := range refs {
		assert.Equal(f.t, 1, n, "slot %s referenced by %d pending requests", id, n)
		assert.Equal(f.t, models.SlotStatusSwapPending, f.get(id).Status)
	}

	locked, err := f.store.ListSlotsByStatus(ctx, models.SlotStatusSwapPending)
	require.NoError(f.t, err)
	for _, slot := range locked {
		assert.Equal(f.t, 1, refs[slot.ID], "locked slot %s has no pending request", slot.ID)
	}
}

func TestEngine_ProposeAccept(t *testing.T) {
	f := newFixture(t)
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)

	proposed := f.propose(f.alice, offered, wanted)
	assert.Equal(t, models.SwapStatusPending, proposed.Request.Status)
	assert.Equal(t, f.bob, proposed.Request.RequestedUserID)
	assert.Equal(t, models.SlotStatusSwapPending, f.get(offered.ID).Status)
	assert.Equal(t, models.SlotStatusSwapPending, f.get(wanted.ID).Status)
	f.assertStatusInvariant()

	res, err := f.engine.Respond(context.Background(), swap.RespondCommand{
		ResponderID: f.bob,
		RequestID:   proposed.Request.ID,
		Decision:    models.SwapDecisionAccept,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusAccepted, res.Request.Status)
	require.NotNil(t, res.Request.RespondedAt)

	gotOffered, gotWanted := f.get(offered.ID), f.get(wanted.ID)
	assert.Equal(t, f.bob, gotOffered.OwnerID)
	assert.Equal(t, f.alice, gotWanted.OwnerID)
	assert.Equal(t, models.SlotStatusBusy, gotOffered.Status)
	assert.Equal(t, models.SlotStatusBusy, gotWanted.Status)
	assert.Equal(t, f.bob, res.OfferedSlot.OwnerID)
	assert.Equal(t, f.alice, res.WantedSlot.OwnerID)

	stored, err := f.store.GetSwap(context.Background(), proposed.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusAccepted, stored.Status)
	require.NotNil(t, stored.RespondedAt)
	f.assertStatusInvariant()
}

func TestEngine_RespondStampsClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 8, 30, 0, 0, time.FixedZone("EDT", -4*3600))
	f.engine = swap.NewEngine(f.faults, swap.WithLogger(quietLogger()), swap.WithClock(func() time.Time { return at }))

	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	proposed := f.propose(f.alice, offered, wanted)
	assert.Nil(t, proposed.Request.RespondedAt)

	res, err := f.engine.Respond(ctx, swap.RespondCommand{
		ResponderID: f.bob,
		RequestID:   proposed.Request.ID,
		Decision:    models.SwapDecisionReject,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Request.RespondedAt)
	assert.Equal(t, at.UTC(), *res.Request.RespondedAt)
	assert.Equal(t, at.UTC(), res.Request.UpdatedAt)

	stored, err := f.store.GetSwap(ctx, proposed.Request.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RespondedAt)
	assert.True(t, stored.RespondedAt.Equal(at), "stored %v, want %v", stored.RespondedAt, at)
}

func TestEngine_ProposeReject(t *testing.T) {
	f := newFixture(t)
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	proposed := f.propose(f.alice, offered, wanted)

	res, err := f.engine.Respond(context.Background(), swap.RespondCommand{
		ResponderID: f.bob,
		RequestID:   proposed.Request.ID,
		Decision:    models.SwapDecisionReject,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusRejected, res.Request.Status)

	gotOffered, gotWanted := f.get(offered.ID), f.get(wanted.ID)
	assert.Equal(t, f.alice, gotOffered.OwnerID)
	assert.Equal(t, f.bob, gotWanted.OwnerID)
	assert.Equal(t, models.SlotStatusSwappable, gotOffered.Status)
	assert.Equal(t, models.SlotStatusSwappable, gotWanted.Status)

	_, err = f.engine.Respond(context.Background(), swap.RespondCommand{
		ResponderID: f.bob,
		RequestID:   proposed.Request.ID,
		Decision:    models.SwapDecisionAccept,
	})
	assert.ErrorIs(t, err, swap.ErrAlreadyResolved)

	_, err = f.engine.Cancel(context.Background(), swap.CancelCommand{RequesterID: f.alice, RequestID: proposed.Request.ID})
	assert.ErrorIs(t, err, swap.ErrInvalidState)
	f.assertStatusInvariant()
}

func TestEngine_CancelTwice(t *testing.T) {
	f := newFixture(t)
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	proposed := f.propose(f.alice, offered, wanted)
	ctx := context.Background()

	res, err := f.engine.Cancel(ctx, swap.CancelCommand{RequesterID: f.alice, RequestID: proposed.Request.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{offered.ID, wanted.ID}, res.ReleasedSlotIDs)
	assert.Empty(t, res.SkippedSlotIDs)

	assert.Equal(t, models.SlotStatusSwappable, f.get(offered.ID).Status)
	assert.Equal(t, models.SlotStatusSwappable, f.get(wanted.ID).Status)
	_, err = f.store.GetSwap(ctx, proposed.Request.ID)
	assert.ErrorIs(t, err, swap.ErrRecordNotFound)

	_, err = f.engine.Cancel(ctx, swap.CancelCommand{RequesterID: f.alice, RequestID: proposed.Request.ID})
	assert.ErrorIs(t, err, swap.ErrInvalidState)

	_, err = f.engine.Respond(ctx, swap.RespondCommand{ResponderID: f.bob, RequestID: proposed.Request.ID, Decision: models.SwapDecisionAccept})
	assert.ErrorIs(t, err, swap.ErrAlreadyResolved)

	_, err = f.engine.Status(ctx, swap.StatusQuery{ViewerID: f.alice, RequestID: proposed.Request.ID})
	assert.ErrorIs(t, err, swap.ErrNotFound)

	// Slots can be proposed again once released.
	f.propose(f.alice, offered, wanted)
	f.assertStatusInvariant()
}

func TestEngine_CancelSkipsMissingSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	proposed := f.propose(f.alice, offered, wanted)

	require.NoError(t, f.store.DeleteSlot(ctx, wanted.ID, models.SlotStatusSwapPending))

	res, err := f.engine.Cancel(ctx, swap.CancelCommand{RequesterID: f.alice, RequestID: proposed.Request.ID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{offered.ID}, res.ReleasedSlotIDs)
	assert.Equal(t, []uuid.UUID{wanted.ID}, res.SkippedSlotIDs)
	assert.Equal(t, models.SlotStatusSwappable, f.get(offered.ID).Status)
}

func TestEngine_ProposePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceSwappable := f.slot(f.alice, models.SlotStatusSwappable)
	aliceOther := f.slot(f.alice, models.SlotStatusSwappable)
	aliceBusy := f.slot(f.alice, models.SlotStatusBusy)
	bobSwappable := f.slot(f.bob, models.SlotStatusSwappable)
	bobBusy := f.slot(f.bob, models.SlotStatusBusy)

	tests := []struct {
		name    string
		cmd     swap.ProposeCommand
		wantErr error
	}{
		{
			name:    "missing offered slot",
			cmd:     swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: uuid.New(), WantedSlotID: bobSwappable.ID},
			wantErr: swap.ErrNotFound,
		},
		{
			name:    "missing wanted slot",
			cmd:     swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: aliceSwappable.ID, WantedSlotID: uuid.New()},
			wantErr: swap.ErrNotFound,
		},
		{
			name:    "offered slot not owned",
			cmd:     swap.ProposeCommand{RequesterID: f.carol, OfferedSlotID: aliceSwappable.ID, WantedSlotID: bobSwappable.ID},
			wantErr: swap.ErrForbidden,
		},
		{
			name:    "forbidden wins over busy",
			cmd:     swap.ProposeCommand{RequesterID: f.carol, OfferedSlotID: aliceBusy.ID, WantedSlotID: bobBusy.ID},
			wantErr: swap.ErrForbidden,
		},
		{
			name:    "own wanted slot",
			cmd:     swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: aliceSwappable.ID, WantedSlotID: aliceOther.ID},
			wantErr: swap.ErrInvalidOperation,
		},
		{
			name:    "same slot twice",
			cmd:     swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: aliceSwappable.ID, WantedSlotID: aliceSwappable.ID},
			wantErr: swap.ErrInvalidOperation,
		},
		{
			name:    "offered slot busy",
			cmd:     swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: aliceBusy.ID, WantedSlotID: bobSwappable.ID},
			wantErr: swap.ErrInvalidState,
		},
		{
			name:    "wanted slot busy",
			cmd:     swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: aliceSwappable.ID, WantedSlotID: bobBusy.ID},
			wantErr: swap.ErrInvalidState,
		},
		{
			name: "message too long",
			cmd: swap.ProposeCommand{
				RequesterID:   f.alice,
				OfferedSlotID: uuid.New(),
				WantedSlotID:  uuid.New(),
				Message:       strings.Repeat("x", models.MaxSwapMessageLength+1),
			},
			wantErr: swap.ErrInvalidOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Propose(ctx, tt.cmd)
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, swap.KindOf(err), "got %v", err)
		})
	}

	// No failed proposal may have written anything.
	for _, slot := range []*models.Slot{aliceSwappable, aliceOther, bobSwappable} {
		assert.Equal(t, models.SlotStatusSwappable, f.get(slot.ID).Status)
	}
	all, err := f.store.ListSwaps(ctx, models.SwapFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEngine_DuplicateProposalConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	first := f.propose(f.alice, offered, wanted)

	// Put the slots back without touching the request so only the duplicate
	// check can stop the second proposal.
	for _, id := range []uuid.UUID{offered.ID, wanted.ID} {
		require.NoError(t, f.store.UpdateSlotStatus(ctx, swap.SlotTransition{
			SlotID: id, From: models.SlotStatusSwapPending, To: models.SlotStatusSwappable,
		}))
	}

	_, err := f.engine.Propose(ctx, swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: offered.ID, WantedSlotID: wanted.ID})
	require.ErrorIs(t, err, swap.ErrConflict)
	assert.Contains(t, err.Error(), first.Request.ID.String())
}

func TestEngine_RespondPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	proposed := f.propose(f.alice, offered, wanted)

	_, err := f.engine.Respond(ctx, swap.RespondCommand{ResponderID: f.bob, RequestID: uuid.New(), Decision: models.SwapDecisionAccept})
	assert.ErrorIs(t, err, swap.ErrNotFound)

	_, err = f.engine.Respond(ctx, swap.RespondCommand{ResponderID: f.alice, RequestID: proposed.Request.ID, Decision: models.SwapDecisionAccept})
	assert.ErrorIs(t, err, swap.ErrForbidden)

	_, err = f.engine.Respond(ctx, swap.RespondCommand{ResponderID: f.bob, RequestID: proposed.Request.ID, Decision: "MAYBE"})
	assert.ErrorIs(t, err, swap.ErrInvalidOperation)

	_, err = f.engine.Cancel(ctx, swap.CancelCommand{RequesterID: f.bob, RequestID: proposed.Request.ID})
	assert.ErrorIs(t, err, swap.ErrForbidden)

	_, err = f.engine.Cancel(ctx, swap.CancelCommand{RequesterID: f.alice, RequestID: uuid.New()})
	assert.ErrorIs(t, err, swap.ErrNotFound)

	require.NoError(t, f.store.DeleteSlot(ctx, wanted.ID, models.SlotStatusSwapPending))
	_, err = f.engine.Respond(ctx, swap.RespondCommand{ResponderID: f.bob, RequestID: proposed.Request.ID, Decision: models.SwapDecisionAccept})
	assert.ErrorIs(t, err, swap.ErrNotFound)

	stored, err := f.store.GetSwap(ctx, proposed.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusPending, stored.Status)
}

func TestEngine_Status(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	proposed := f.propose(f.alice, offered, wanted)

	for _, viewer := range []uuid.UUID{f.alice, f.bob} {
		res, err := f.engine.Status(ctx, swap.StatusQuery{ViewerID: viewer, RequestID: proposed.Request.ID})
		require.NoError(t, err)
		assert.True(t, res.Consistent)
		assert.Equal(t, models.SlotStatusSwapPending, res.OfferedSlot.Status)
		assert.Equal(t, f.bob, res.WantedSlot.OwnerID)
	}

	_, err := f.engine.Status(ctx, swap.StatusQuery{ViewerID: f.carol, RequestID: proposed.Request.ID})
	assert.ErrorIs(t, err, swap.ErrForbidden)

	require.NoError(t, f.store.UpdateSlotStatus(ctx, swap.SlotTransition{
		SlotID: wanted.ID, From: models.SlotStatusSwapPending, To: models.SlotStatusSwappable,
	}))
	res, err := f.engine.Status(ctx, swap.StatusQuery{ViewerID: f.alice, RequestID: proposed.Request.ID})
	require.NoError(t, err)
	assert.False(t, res.Consistent)
	assert.NotEmpty(t, res.Problem)
}

func TestEngine_Listings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.propose(f.alice, f.slot(f.alice, models.SlotStatusSwappable), f.slot(f.bob, models.SlotStatusSwappable))
	second := f.propose(f.carol, f.slot(f.carol, models.SlotStatusSwappable), f.slot(f.bob, models.SlotStatusSwappable))

	_, err := f.engine.Respond(ctx, swap.RespondCommand{ResponderID: f.bob, RequestID: first.Request.ID, Decision: models.SwapDecisionReject})
	require.NoError(t, err)

	incoming, err := f.engine.ListIncoming(ctx, f.bob, nil)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, second.Request.ID, incoming[0].ID)

	rejected := models.SwapStatusRejected
	outgoing, err := f.engine.ListOutgoing(ctx, f.alice, &rejected)
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, first.Request.ID, outgoing[0].ID)

	none, err := f.engine.ListOutgoing(ctx, f.bob, nil)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	bogus := models.SwapStatus("LOST")
	_, err = f.engine.ListIncoming(ctx, f.bob, &bogus)
	assert.ErrorIs(t, err, swap.ErrInvalidOperation)
}

func TestEngine_RacingProposalsOnSharedSlot(t *testing.T) {
	f := newFixture(t)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)

	const racers = 16
	offers := make([]*models.Slot, racers)
	requesters := make([]uuid.UUID, racers)
	for i := range offers {
		requesters[i] = uuid.New()
		offers[i] = f.slot(requesters[i], models.SlotStatusSwappable)
	}

	var wg sync.WaitGroup
	errs := make([]error, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.engine.Propose(context.Background(), swap.ProposeCommand{
				RequesterID:   requesters[i],
				OfferedSlotID: offers[i].ID,
				WantedSlotID:  wanted.ID,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for i, err := range errs {
		if err == nil {
			wins++
			continue
		}
		kind := swap.KindOf(err)
		assert.Contains(t, []error{swap.ErrConflict, swap.ErrInvalidState}, kind, "racer %d: %v", i, err)
		assert.Equal(t, models.SlotStatusSwappable, f.get(offers[i].ID).Status, "loser %d left its slot locked", i)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, models.SlotStatusSwapPending, f.get(wanted.ID).Status)
	f.assertStatusInvariant()
}

func TestEngine_RacingCrossedProposals(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		aliceSlot := f.slot(f.alice, models.SlotStatusSwappable)
		bobSlot := f.slot(f.bob, models.SlotStatusSwappable)

		// Each racer offers the slot the other one wants.
		cmds := []swap.ProposeCommand{
			{RequesterID: f.alice, OfferedSlotID: aliceSlot.ID, WantedSlotID: bobSlot.ID},
			{RequesterID: f.bob, OfferedSlotID: bobSlot.ID, WantedSlotID: aliceSlot.ID},
		}

		var wg sync.WaitGroup
		errs := make([]error, len(cmds))
		start := make(chan struct{})
		for i := range cmds {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = f.engine.Propose(context.Background(), cmds[i])
			}(i)
		}
		close(start)
		wg.Wait()

		wins := 0
		for i, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.Contains(t, []error{swap.ErrConflict, swap.ErrInvalidState}, swap.KindOf(err), "racer %d: %v", i, err)
		}
		require.LessOrEqual(t, wins, 1, "round %d: crossed proposals both succeeded", round)

		want := models.SlotStatusSwappable
		if wins == 1 {
			want = models.SlotStatusSwapPending
		}
		assert.Equal(t, want, f.get(aliceSlot.ID).Status)
		assert.Equal(t, want, f.get(bobSlot.ID).Status)
		f.assertStatusInvariant()
	}
}

func TestEngine_RacingRespondAndCancel(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		offered := f.slot(f.alice, models.SlotStatusSwappable)
		wanted := f.slot(f.bob, models.SlotStatusSwappable)
		proposed := f.propose(f.alice, offered, wanted)

		var wg sync.WaitGroup
		var respondErr, cancelErr error
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, respondErr = f.engine.Respond(context.Background(), swap.RespondCommand{
				ResponderID: f.bob, RequestID: proposed.Request.ID, Decision: models.SwapDecisionAccept,
			})
		}()
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = f.engine.Cancel(context.Background(), swap.CancelCommand{
				RequesterID: f.alice, RequestID: proposed.Request.ID,
			})
		}()
		close(start)
		wg.Wait()

		require.True(t, (respondErr == nil) != (cancelErr == nil), "exactly one must win: respond=%v cancel=%v", respondErr, cancelErr)

		gotOffered, gotWanted := f.get(offered.ID), f.get(wanted.ID)
		if respondErr == nil {
			assert.ErrorIs(t, cancelErr, swap.ErrInvalidState)
			assert.Equal(t, f.bob, gotOffered.OwnerID)
			assert.Equal(t, models.SlotStatusBusy, gotWanted.Status)
		} else {
			assert.ErrorIs(t, respondErr, swap.ErrAlreadyResolved)
			assert.Equal(t, f.alice, gotOffered.OwnerID)
			assert.Equal(t, models.SlotStatusSwappable, gotWanted.Status)
		}
		f.assertStatusInvariant()
	}
}

func TestEngine_ProposeCompensatesFailedLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)

	f.faults.slotHook = func(_ context.Context, tr swap.SlotTransition) error {
		if tr.SlotID == wanted.ID && tr.To == models.SlotStatusSwapPending {
			return errInjected
		}
		return nil
	}

	_, err := f.engine.Propose(ctx, swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: offered.ID, WantedSlotID: wanted.ID})
	require.ErrorIs(t, err, errInjected)
	assert.NotErrorIs(t, err, swap.ErrTransactionFailed)

	assert.Equal(t, models.SlotStatusSwappable, f.get(offered.ID).Status)
	assert.Equal(t, models.SlotStatusSwappable, f.get(wanted.ID).Status)
	all, err := f.store.ListSwaps(ctx, models.SwapFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEngine_ProposeRefusesSlotThatChangedHands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	carols := f.slot(f.carol, models.SlotStatusSwappable)

	// After alice's proposal loads the offered slot, carol takes it through
	// a completed swap and lists it as SWAPPABLE again before the lock runs.
	f.faults.slotHook = func(_ context.Context, tr swap.SlotTransition) error {
		if tr.SlotID != offered.ID || tr.To != models.SlotStatusSwapPending {
			return nil
		}
		f.faults.mu.Lock()
		f.faults.slotHook = nil
		f.faults.mu.Unlock()

		taken := f.propose(f.carol, carols, offered)
		_, err := f.engine.Respond(ctx, swap.RespondCommand{
			ResponderID: f.alice,
			RequestID:   taken.Request.ID,
			Decision:    models.SwapDecisionAccept,
		})
		require.NoError(t, err)
		return f.store.UpdateSlotStatus(ctx, swap.SlotTransition{
			SlotID: offered.ID,
			From:   models.SlotStatusBusy,
			To:     models.SlotStatusSwappable,
		})
	}

	_, err := f.engine.Propose(ctx, swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: offered.ID, WantedSlotID: wanted.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, swap.ErrConflict)
	assert.NotErrorIs(t, err, swap.ErrTransactionFailed)

	got := f.get(offered.ID)
	assert.Equal(t, f.carol, got.OwnerID)
	assert.Equal(t, models.SlotStatusSwappable, got.Status, "slot now owned by carol must not be locked for alice")
	assert.Equal(t, models.SlotStatusSwappable, f.get(wanted.ID).Status)

	outgoing, err := f.engine.ListOutgoing(ctx, f.alice, nil)
	require.NoError(t, err)
	assert.Empty(t, outgoing)
	f.assertStatusInvariant()
}

func TestEngine_ProposeFailedCompensation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)

	f.faults.slotHook = func(_ context.Context, tr swap.SlotTransition) error {
		if tr.SlotID == wanted.ID && tr.To == models.SlotStatusSwapPending {
			return errInjected
		}
		if tr.SlotID == offered.ID && tr.To == models.SlotStatusSwappable {
			return errors.New("store unavailable")
		}
		return nil
	}

	_, err := f.engine.Propose(ctx, swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: offered.ID, WantedSlotID: wanted.ID})
	require.ErrorIs(t, err, swap.ErrTransactionFailed)

	var txErr *swap.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "propose", txErr.Op)
	assert.NotEqual(t, uuid.Nil, txErr.RequestID)
	assert.Contains(t, txErr.FailedStep, wanted.ID.String())
	assert.ErrorIs(t, txErr.Cause, errInjected)
	assert.Equal(t, models.SlotStatusSwapPending, txErr.SlotStatus[offered.ID])
	assert.Equal(t, models.SlotStatusSwappable, txErr.SlotStatus[wanted.ID])
	assert.Equal(t, models.SwapStatusPending, txErr.SwapStatus)

	// Compensation stopped before touching the request.
	_, err = f.store.GetSwap(ctx, txErr.RequestID)
	assert.NoError(t, err)
}

func TestEngine_RespondCompensatesFailedRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	proposed := f.propose(f.alice, offered, wanted)

	f.faults.slotHook = func(_ context.Context, tr swap.SlotTransition) error {
		if tr.SlotID == wanted.ID && tr.From == models.SlotStatusSwapPending {
			return errInjected
		}
		return nil
	}

	_, err := f.engine.Respond(ctx, swap.RespondCommand{ResponderID: f.bob, RequestID: proposed.Request.ID, Decision: models.SwapDecisionAccept})
	require.ErrorIs(t, err, errInjected)

	stored, err := f.store.GetSwap(ctx, proposed.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusPending, stored.Status)
	assert.Nil(t, stored.RespondedAt)

	gotOffered := f.get(offered.ID)
	assert.Equal(t, models.SlotStatusSwapPending, gotOffered.Status)
	assert.Equal(t, f.alice, gotOffered.OwnerID)
	f.assertStatusInvariant()

	// Once the store recovers the same request can be accepted.
	f.faults.slotHook = nil
	_, err = f.engine.Respond(ctx, swap.RespondCommand{ResponderID: f.bob, RequestID: proposed.Request.ID, Decision: models.SwapDecisionAccept})
	require.NoError(t, err)
	assert.Equal(t, f.bob, f.get(offered.ID).OwnerID)
}

func TestEngine_RespondFailedCompensation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	proposed := f.propose(f.alice, offered, wanted)

	f.faults.slotHook = func(_ context.Context, tr swap.SlotTransition) error {
		if tr.SlotID == wanted.ID && tr.From == models.SlotStatusSwapPending {
			return errInjected
		}
		return nil
	}
	f.faults.swapHook = func(_ context.Context, write string, _ uuid.UUID) error {
		if write == "update" {
			// Let the resolve through, fail the reopen.
			f.faults.mu.Lock()
			f.faults.swapHook = func(context.Context, string, uuid.UUID) error { return errors.New("store unavailable") }
			f.faults.mu.Unlock()
		}
		return nil
	}

	_, err := f.engine.Respond(ctx, swap.RespondCommand{ResponderID: f.bob, RequestID: proposed.Request.ID, Decision: models.SwapDecisionReject})
	require.ErrorIs(t, err, swap.ErrTransactionFailed)

	var txErr *swap.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, proposed.Request.ID, txErr.RequestID)
	assert.Equal(t, models.SwapStatusRejected, txErr.SwapStatus)
	assert.Equal(t, models.SlotStatusSwapPending, txErr.SlotStatus[offered.ID])
}

func TestEngine_CompensationSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.faults.slotHook = func(_ context.Context, tr swap.SlotTransition) error {
		if tr.SlotID == wanted.ID && tr.To == models.SlotStatusSwapPending {
			cancel()
			return context.Canceled
		}
		return nil
	}

	_, err := f.engine.Propose(ctx, swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: offered.ID, WantedSlotID: wanted.ID})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, swap.ErrTransactionFailed)
	assert.Equal(t, models.SlotStatusSwappable, f.get(offered.ID).Status)
}

func TestEngine_StoreTimeoutFailsStep(t *testing.T) {
	f := newFixture(t)
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	f.engine = swap.NewEngine(f.faults, swap.WithLogger(quietLogger()), swap.WithStoreTimeout(20*time.Millisecond))

	f.faults.slotHook = func(ctx context.Context, tr swap.SlotTransition) error {
		if tr.SlotID == wanted.ID && tr.To == models.SlotStatusSwapPending {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	_, err := f.engine.Propose(context.Background(), swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: offered.ID, WantedSlotID: wanted.ID})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.SlotStatusSwappable, f.get(offered.ID).Status)
	assert.Equal(t, models.SlotStatusSwappable, f.get(wanted.ID).Status)
}

func TestEngine_CancelCompensatesFailedRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)
	proposed := f.propose(f.alice, offered, wanted)

	f.faults.slotHook = func(_ context.Context, tr swap.SlotTransition) error {
		if tr.SlotID == wanted.ID && tr.To == models.SlotStatusSwappable {
			return errInjected
		}
		return nil
	}

	_, err := f.engine.Cancel(ctx, swap.CancelCommand{RequesterID: f.alice, RequestID: proposed.Request.ID})
	require.ErrorIs(t, err, errInjected)

	stored, err := f.store.GetSwap(ctx, proposed.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusPending, stored.Status)
	cancelled, err := f.store.SwapCancelled(ctx, proposed.Request.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	f.assertStatusInvariant()
}

// txStore reports itself as transactional and records whether the engine
// took the compensation path.
type txStore struct {
	*faultyStore
	runs    int
	deletes int
}

func (s *txStore) RunInTx(ctx context.Context, fn func(swap.Store) error) error {
	s.runs++
	return fn(s)
}

func (s *txStore) DeleteSwap(ctx context.Context, id uuid.UUID, expected models.SwapStatus) error {
	s.deletes++
	return s.faultyStore.DeleteSwap(ctx, id, expected)
}

func TestEngine_UsesTransactionsWhenAvailable(t *testing.T) {
	f := newFixture(t)
	offered := f.slot(f.alice, models.SlotStatusSwappable)
	wanted := f.slot(f.bob, models.SlotStatusSwappable)

	store := &txStore{faultyStore: f.faults}
	engine := swap.NewEngine(store, swap.WithLogger(quietLogger()))
	assert.True(t, engine.Atomic())
	assert.False(t, swap.NewEngine(store, swap.WithoutTransactions()).Atomic())

	f.faults.slotHook = func(_ context.Context, tr swap.SlotTransition) error {
		if tr.SlotID == wanted.ID {
			return errInjected
		}
		return nil
	}
	_, err := engine.Propose(context.Background(), swap.ProposeCommand{RequesterID: f.alice, OfferedSlotID: offered.ID, WantedSlotID: wanted.ID})
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, 1, store.runs)
	assert.Zero(t, store.deletes, "rollback belongs to the transaction")
}
