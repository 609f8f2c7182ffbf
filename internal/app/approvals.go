package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"deskline/api/internal/bus"
	"deskline/api/internal/store"
)

type RejectInput struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type ApprovalPage struct {
	Items []ApprovalListView `json:"items"`
	Total int                `json:"total"`
	Page  int                `json:"page"`
	Limit int                `json:"limit"`
}

func (s *Service) ApproveDocument(ctx context.Context, approvalID string, actor Actor) (ApprovalView, error) {
	return s.decide(ctx, approvalID, store.ApprovalApproved, nil, actor)
}

func (s *Service) RejectDocument(ctx context.Context, approvalID string, input RejectInput, actor Actor) (ApprovalView, error) {
	input.Reason = strings.TrimSpace(input.Reason)
	if err := s.validate.Struct(input); err != nil {
		return ApprovalView{}, validationError(err)
	}
	return s.decide(ctx, approvalID, store.ApprovalRejected, &input.Reason, actor)
}

// decide runs the permission matrix and then a single conditional write;
// the write, not the earlier read, decides whether the approval was still
// pending.
func (s *Service) decide(ctx context.Context, approvalID, status string, reason *string, actor Actor) (ApprovalView, error) {
	scope, err := s.store.GetApprovalScope(ctx, approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalView{}, notFound("document not found")
	}
	if err != nil {
		return ApprovalView{}, err
	}

	capability := actor.capability()
	switch {
	case scope.ApprovalsDisabled:
		return ApprovalView{}, forbidden("documents in this department are not approved here")
	case capability.MonitoringOnly:
		return ApprovalView{}, forbidden("monitoring roles cannot process documents")
	case status == store.ApprovalApproved && !capability.CanApprove:
		return ApprovalView{}, forbidden("role cannot approve documents")
	case status == store.ApprovalRejected && !capability.CanReject:
		return ApprovalView{}, forbidden("role cannot reject documents")
	}
	if !actor.privileged() {
		if err := s.CheckCompanyAccess(ctx, scope.Approval.CompanyID, actor); err != nil {
			return ApprovalView{}, err
		}
	}

	decided, ok, err := s.store.DecideApproval(ctx, approvalID, status, actor.ID, reason)
	if err != nil {
		return ApprovalView{}, err
	}
	if !ok {
		return ApprovalView{}, badRequest("document already processed")
	}

	view := approvalView(decided)
	routingKey := bus.DocumentApproved
	if status == store.ApprovalRejected {
		routingKey = bus.DocumentRejected
	}
	s.publish(ctx, bus.ExchangeDocuments, routingKey, view)
	return view, nil
}

func (s *Service) PendingApprovals(ctx context.Context, companyID string, actor Actor, page, limit int) (ApprovalPage, error) {
	limit, offset, err := pageBounds(page, limit)
	if err != nil {
		return ApprovalPage{}, err
	}
	if err := s.CheckCompanyAccess(ctx, companyID, actor); err != nil {
		return ApprovalPage{}, err
	}
	items, total, err := s.store.ListPendingApprovals(ctx, companyID, limit, offset)
	if err != nil {
		return ApprovalPage{}, err
	}
	return ApprovalPage{
		Items: approvalListViews(items),
		Total: total,
		Page:  offset/limit + 1,
		Limit: limit,
	}, nil
}

func (s *Service) ListApprovals(ctx context.Context, companyID, status string, actor Actor, page, limit int) (ApprovalPage, error) {
	limit, offset, err := pageBounds(page, limit)
	if err != nil {
		return ApprovalPage{}, err
	}
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != "" {
		if err := s.validate.Var(status, "oneof=PENDING APPROVED REJECTED AUTO_EXPIRED"); err != nil {
			return ApprovalPage{}, badRequest("status must be one of PENDING, APPROVED, REJECTED, AUTO_EXPIRED")
		}
	}
	if err := s.CheckCompanyAccess(ctx, companyID, actor); err != nil {
		return ApprovalPage{}, err
	}
	items, total, err := s.store.ListApprovals(ctx, companyID, status, limit, offset)
	if err != nil {
		return ApprovalPage{}, err
	}
	return ApprovalPage{
		Items: approvalListViews(items),
		Total: total,
		Page:  offset/limit + 1,
		Limit: limit,
	}, nil
}
