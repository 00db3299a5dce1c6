package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
)

// requireDisputeModule rejects calls to MarkDisputed/ResolveDispute from any
// caller other than the currently active dispute module, so a superseded
// module cannot keep driving tasks after a timelocked swap.
func (s *Service) requireDisputeModule(caller common.Address) error {
	s.mu.Lock()
	active := s.upgrade.activeModule
	s.mu.Unlock()
	if active == (common.Address{}) || active != caller {
		return xerrors.New(CodeAuthorization, "caller is not the active dispute module")
	}
	return nil
}

func (s *Service) requireAdmin(caller common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin.admin != caller {
		return xerrors.New(CodeAuthorization, "caller is not the market admin")
	}
	return nil
}

// SetDisputeModule arms a pending dispute-module swap that activates no
// earlier than DisputeModuleUpdateDelay seconds from now. If no dispute
// module has ever been set, the first call takes effect immediately so the
// market is not left unable to accept disputes at genesis.
func (s *Service) SetDisputeModule(ctx context.Context, caller common.Address, module common.Address) error {
	if module == (common.Address{}) {
		return xerrors.New(CodeInputViolation, "dispute module address cannot be zero")
	}
	if err := s.requireAdmin(caller); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upgrade.activeModule == (common.Address{}) {
		s.upgrade.activeModule = module
		s.emit(ctx, "DisputeModuleUpdated", 0, map[string]any{"previous": common.Address{}.Hex(), "new": module.Hex()})
		return nil
	}
	s.upgrade.pendingModule = module
	s.upgrade.activationTime = s.clock.Now() + DisputeModuleUpdateDelay
	s.upgrade.pendingArmed = true
	s.emit(ctx, "DisputeModuleUpdateScheduled", 0, map[string]any{
		"previous": s.upgrade.activeModule.Hex(), "pending": module.Hex(), "execute_after": s.upgrade.activationTime,
	})
	return nil
}

// CancelDisputeModuleUpdate withdraws a pending dispute-module swap before
// it activates.
func (s *Service) CancelDisputeModuleUpdate(ctx context.Context, caller common.Address) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.upgrade.pendingArmed {
		return xerrors.New(CodeStateViolation, "no dispute module update is pending")
	}
	pending := s.upgrade.pendingModule
	s.upgrade.pendingArmed = false
	s.upgrade.pendingModule = common.Address{}
	s.upgrade.activationTime = 0
	s.emit(ctx, "DisputeModuleUpdateCancelled", 0, map[string]any{"pending": pending.Hex()})
	return nil
}

// ExecuteDisputeModuleUpdate is permissionless: once the timelock has
// elapsed, anyone may flip the active module to the pending one.
func (s *Service) ExecuteDisputeModuleUpdate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.upgrade.pendingArmed {
		return xerrors.New(CodeStateViolation, "no dispute module update is pending")
	}
	if s.clock.Now() < s.upgrade.activationTime {
		return xerrors.New(CodeWindowViolation, "dispute module update timelock has not elapsed")
	}
	previous := s.upgrade.activeModule
	s.upgrade.activeModule = s.upgrade.pendingModule
	s.upgrade.pendingModule = common.Address{}
	s.upgrade.pendingArmed = false
	s.upgrade.activationTime = 0
	s.emit(ctx, "DisputeModuleUpdated", 0, map[string]any{"previous": previous.Hex(), "new": s.upgrade.activeModule.Hex()})
	return nil
}

// TransferAdmin proposes a new admin principal, taking effect only once the
// proposed admin calls AcceptAdmin.
func (s *Service) TransferAdmin(ctx context.Context, caller common.Address, proposed common.Address) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	if proposed == (common.Address{}) {
		return xerrors.New(CodeInputViolation, "proposed admin cannot be zero")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin.pendingAdmin = proposed
	s.emit(ctx, "AdminTransferProposed", 0, map[string]any{"proposed_admin": proposed.Hex()})
	return nil
}

// AcceptAdmin completes a two-step admin transfer; only the proposed admin
// may call it.
func (s *Service) AcceptAdmin(ctx context.Context, caller common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin.pendingAdmin == (common.Address{}) || s.admin.pendingAdmin != caller {
		return xerrors.New(CodeAuthorization, "caller is not the pending admin")
	}
	s.admin.admin = caller
	s.admin.pendingAdmin = common.Address{}
	s.emit(ctx, "AdminTransferAccepted", 0, map[string]any{"admin": caller.Hex()})
	return nil
}
