package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/models"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

type mockUserService struct {
	CreateFunc     func(ctx context.Context, params models.CreateUserParams) (*models.User, error)
	GetByIDFunc    func(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmailFunc func(ctx context.Context, email string) (*models.User, error)
}

func (m *mockUserService) Create(ctx context.Context, params models.CreateUserParams) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, params)
	}
	return &models.User{ID: uuid.New(), Email: params.Email, Name: params.Name, PasswordHash: params.PasswordHash}, nil
}

func (m *mockUserService) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockUserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, nil
}

type mockAuthService struct {
	HashPasswordFunc          func(password string) (string, error)
	VerifyPasswordFunc        func(hash, password string) bool
	GenerateSessionTokenFunc  func() (string, string, error)
	CreateSessionFunc         func(ctx context.Context, userID uuid.UUID) (string, error)
	ValidateSessionFunc       func(ctx context.Context, token string) (*models.User, error)
	DeleteSessionFunc         func(ctx context.Context, token string) error
	DeleteAllUserSessionsFunc func(ctx context.Context, userID uuid.UUID) error
}

func (m *mockAuthService) HashPassword(password string) (string, error) {
	if m.HashPasswordFunc != nil {
		return m.HashPasswordFunc(password)
	}
	return "hashed_" + password, nil
}

func (m *mockAuthService) VerifyPassword(hash, password string) bool {
	if m.VerifyPasswordFunc != nil {
		return m.VerifyPasswordFunc(hash, password)
	}
	return hash == "hashed_"+password
}

func (m *mockAuthService) GenerateSessionToken() (string, string, error) {
	if m.GenerateSessionTokenFunc != nil {
		return m.GenerateSessionTokenFunc()
	}
	return "token", "hash", nil
}

func (m *mockAuthService) CreateSession(ctx context.Context, userID uuid.UUID) (string, error) {
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, userID)
	}
	return "test_session_token", nil
}

func (m *mockAuthService) ValidateSession(ctx context.Context, token string) (*models.User, error) {
	if m.ValidateSessionFunc != nil {
		return m.ValidateSessionFunc(ctx, token)
	}
	return nil, nil
}

func (m *mockAuthService) DeleteSession(ctx context.Context, token string) error {
	if m.DeleteSessionFunc != nil {
		return m.DeleteSessionFunc(ctx, token)
	}
	return nil
}

func (m *mockAuthService) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	if m.DeleteAllUserSessionsFunc != nil {
		return m.DeleteAllUserSessionsFunc(ctx, userID)
	}
	return nil
}

type mockSlotService struct {
	CreateFunc      func(ctx context.Context, params models.CreateSlotParams) (*models.Slot, error)
	ListByOwnerFunc func(ctx context.Context, ownerID uuid.UUID, filter models.SlotFilter) ([]*models.Slot, error)
	GetFunc         func(ctx context.Context, ownerID, slotID uuid.UUID) (*models.Slot, error)
	UpdateFunc      func(ctx context.Context, ownerID, slotID uuid.UUID, patch models.SlotPatch) (*models.Slot, error)
	DeleteFunc      func(ctx context.Context, ownerID, slotID uuid.UUID) error
	MarketplaceFunc func(ctx context.Context, userID uuid.UUID) ([]*models.Slot, error)
}

func (m *mockSlotService) Create(ctx context.Context, params models.CreateSlotParams) (*models.Slot, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, params)
	}
	return nil, nil
}

func (m *mockSlotService) ListByOwner(ctx context.Context, ownerID uuid.UUID, filter models.SlotFilter) ([]*models.Slot, error) {
	if m.ListByOwnerFunc != nil {
		return m.ListByOwnerFunc(ctx, ownerID, filter)
	}
	return nil, nil
}

func (m *mockSlotService) Get(ctx context.Context, ownerID, slotID uuid.UUID) (*models.Slot, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, ownerID, slotID)
	}
	return nil, nil
}

func (m *mockSlotService) Update(ctx context.Context, ownerID, slotID uuid.UUID, patch models.SlotPatch) (*models.Slot, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, ownerID, slotID, patch)
	}
	return nil, nil
}

func (m *mockSlotService) Delete(ctx context.Context, ownerID, slotID uuid.UUID) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, ownerID, slotID)
	}
	return nil
}

func (m *mockSlotService) Marketplace(ctx context.Context, userID uuid.UUID) ([]*models.Slot, error) {
	if m.MarketplaceFunc != nil {
		return m.MarketplaceFunc(ctx, userID)
	}
	return nil, nil
}

type mockSwapEngine struct {
	ProposeFunc      func(ctx context.Context, cmd swap.ProposeCommand) (*swap.ProposeResult, error)
	RespondFunc      func(ctx context.Context, cmd swap.RespondCommand) (*swap.RespondResult, error)
	CancelFunc       func(ctx context.Context, cmd swap.CancelCommand) (*swap.CancelResult, error)
	StatusFunc       func(ctx context.Context, q swap.StatusQuery) (*swap.StatusResult, error)
	ListIncomingFunc func(ctx context.Context, userID uuid.UUID, status *models.SwapStatus) ([]*models.SwapRequest, error)
	ListOutgoingFunc func(ctx context.Context, userID uuid.UUID, status *models.SwapStatus) ([]*models.SwapRequest, error)
}

func (m *mockSwapEngine) Propose(ctx context.Context, cmd swap.ProposeCommand) (*swap.ProposeResult, error) {
	if m.ProposeFunc != nil {
		return m.ProposeFunc(ctx, cmd)
	}
	return &swap.ProposeResult{}, nil
}

func (m *mockSwapEngine) Respond(ctx context.Context, cmd swap.RespondCommand) (*swap.RespondResult, error) {
	if m.RespondFunc != nil {
		return m.RespondFunc(ctx, cmd)
	}
	return &swap.RespondResult{}, nil
}

func (m *mockSwapEngine) Cancel(ctx context.Context, cmd swap.CancelCommand) (*swap.CancelResult, error) {
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, cmd)
	}
	return &swap.CancelResult{RequestID: cmd.RequestID}, nil
}

func (m *mockSwapEngine) Status(ctx context.Context, q swap.StatusQuery) (*swap.StatusResult, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, q)
	}
	return &swap.StatusResult{}, nil
}

func (m *mockSwapEngine) ListIncoming(ctx context.Context, userID uuid.UUID, status *models.SwapStatus) ([]*models.SwapRequest, error) {
	if m.ListIncomingFunc != nil {
		return m.ListIncomingFunc(ctx, userID, status)
	}
	return nil, nil
}

func (m *mockSwapEngine) ListOutgoing(ctx context.Context, userID uuid.UUID, status *models.SwapStatus) ([]*models.SwapRequest, error) {
	if m.ListOutgoingFunc != nil {
		return m.ListOutgoingFunc(ctx, userID, status)
	}
	return nil, nil
}
