package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"querydeck/api/internal/rbac"
	"querydeck/api/internal/store"
	"querydeck/api/internal/util"
)

func (s *Service) CreateQuery(ctx context.Context, session Session, teamID, folderID, name, sqlContent string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "query name is required", nil)
	}

	query := store.Query{
		ID:                  util.NewID("qry"),
		TeamID:              teamID,
		FolderID:            folderID,
		Name:                name,
		Status:              store.QueryStatusDraft,
		SQLContent:          sqlContent,
		LastModifiedByEmail: session.Email,
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireCan(ctx, tx, teamID, session.UserID, rbac.ActionWrite); err != nil {
			return err
		}
		if query.FolderID == "" {
			folder, err := tx.DefaultFolder(ctx, teamID)
			if err != nil {
				return err
			}
			query.FolderID = folder.ID
		}
		return tx.CreateQuery(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("query created", "queryId", query.ID, "teamId", teamID)
	return queryPayload(query), nil
}

func (s *Service) ListQueries(ctx context.Context, session Session, teamID string) (map[string]any, error) {
	var queries []store.Query
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireCan(ctx, tx, teamID, session.UserID, rbac.ActionRead); err != nil {
			return err
		}
		found, err := tx.ListQueries(ctx, teamID)
		if err != nil {
			return err
		}
		queries = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(queries))
	for _, query := range queries {
		items = append(items, queryPayload(query))
	}
	return map[string]any{"queries": items}, nil
}

// GetQueryDetail returns a query together with its latest generation
// and that generation's approval progress.
func (s *Service) GetQueryDetail(ctx context.Context, session Session, queryID string) (map[string]any, error) {
	roles := newRoleCache(session.UserID)
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		query, err := s.loadQuery(ctx, tx, queryID)
		if err != nil {
			return err
		}
		if _, err := roles.require(ctx, tx, query.TeamID, rbac.ActionRead); err != nil {
			return err
		}
		payload = queryPayload(query)

		history, err := tx.LatestHistory(ctx, query.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		count, err := tx.CountApprovals(ctx, history.ID)
		if err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, query.TeamID)
		if err != nil {
			return err
		}
		generation := historyPayload(history)
		generation["approvalCount"] = count
		generation["approvalQuota"] = team.ApprovalQuota
		payload["currentGeneration"] = generation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// SaveQuerySQL updates a draft's working text. Pending and approved
// versions are immutable until moved back to draft.
func (s *Service) SaveQuerySQL(ctx context.Context, session Session, queryID, sqlContent string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		query, err := tx.LockQuery(ctx, queryID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Query not found", nil)
		}
		if err != nil {
			return err
		}
		if _, err := requireCan(ctx, tx, query.TeamID, session.UserID, rbac.ActionWrite); err != nil {
			return err
		}
		switch query.Status {
		case store.QueryStatusDraft:
		case store.QueryStatusPending:
			return domainError(http.StatusConflict, "PENDING_APPROVAL", "Query is awaiting approval and cannot be edited", nil)
		default:
			return domainError(http.StatusConflict, "NOT_DRAFT", "Create a new draft before editing an approved query", nil)
		}
		if err := tx.UpdateQuerySQL(ctx, queryID, sqlContent, session.Email); err != nil {
			return err
		}
		query.SQLContent = sqlContent
		query.LastModifiedByEmail = session.Email
		payload = queryPayload(query)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Submit snapshots the draft into a new generation and opens it for
// approval. A single-member team approves its own work immediately: the
// submitter's synthetic approval is recorded and the query goes
// straight to approved.
func (s *Service) Submit(ctx context.Context, session Session, queryID, reason string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		query, err := tx.LockQuery(ctx, queryID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Query not found", nil)
		}
		if err != nil {
			return err
		}
		member, err := requireCan(ctx, tx, query.TeamID, session.UserID, rbac.ActionWrite)
		if err != nil {
			return err
		}
		if query.Status != store.QueryStatusDraft {
			return domainError(http.StatusConflict, "NOT_DRAFT", "Only a draft can be submitted for approval", nil)
		}

		history := store.QueryHistory{
			ID:              util.NewID("gen"),
			QueryID:         query.ID,
			SQLContent:      query.SQLContent,
			ModifiedByEmail: session.Email,
			ChangeReason:    strings.TrimSpace(reason),
			Status:          store.QueryStatusPending,
		}
		if err := tx.InsertHistory(ctx, history); err != nil {
			return err
		}

		memberCount, err := tx.CountMembers(ctx, query.TeamID)
		if err != nil {
			return err
		}
		if memberCount == 1 {
			if err := tx.InsertApproval(ctx, store.QueryApproval{
				ID:             util.NewID("apv"),
				QueryHistoryID: history.ID,
				UserID:         member.UserID,
			}); err != nil {
				return err
			}
			if err := tx.UpdateHistoryStatus(ctx, history.ID, store.QueryStatusApproved); err != nil {
				return err
			}
			if err := tx.UpdateQueryStatus(ctx, query.ID, store.QueryStatusApproved); err != nil {
				return err
			}
			query.Status = store.QueryStatusApproved
			history.Status = store.QueryStatusApproved
		} else {
			if err := tx.UpdateQueryStatus(ctx, query.ID, store.QueryStatusPending); err != nil {
				return err
			}
			query.Status = store.QueryStatusPending
		}

		payload = queryPayload(query)
		payload["generation"] = historyPayload(history)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("query submitted", "queryId", queryID, "status", payload["status"])
	return payload, nil
}

// Approve records the caller's approval on the latest generation and
// promotes the query once the approval count reaches the team quota in
// force at that moment. Approving twice is a no-op, not an error.
func (s *Service) Approve(ctx context.Context, session Session, queryID string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		query, err := tx.LockQuery(ctx, queryID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Query not found", nil)
		}
		if err != nil {
			return err
		}
		member, err := requireCan(ctx, tx, query.TeamID, session.UserID, rbac.ActionApprove)
		if err != nil {
			return err
		}
		if query.Status != store.QueryStatusPending {
			return domainError(http.StatusConflict, "NOT_PENDING", "Query has no generation awaiting approval", nil)
		}
		history, err := tx.LatestHistory(ctx, query.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusConflict, "NOT_PENDING", "Query has no generation awaiting approval", nil)
		}
		if err != nil {
			return err
		}
		if history.ModifiedByEmail == session.Email {
			return domainError(http.StatusConflict, "SELF_APPROVAL", "The submitter cannot approve their own change", nil)
		}

		already, err := tx.HasApproval(ctx, history.ID, member.UserID)
		if err != nil {
			return err
		}
		if !already {
			if err := tx.InsertApproval(ctx, store.QueryApproval{
				ID:             util.NewID("apv"),
				QueryHistoryID: history.ID,
				UserID:         member.UserID,
			}); err != nil {
				return err
			}
		}

		count, err := tx.CountApprovals(ctx, history.ID)
		if err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, query.TeamID)
		if err != nil {
			return err
		}
		if count >= team.ApprovalQuota {
			if err := tx.UpdateHistoryStatus(ctx, history.ID, store.QueryStatusApproved); err != nil {
				return err
			}
			if err := tx.UpdateQueryStatus(ctx, query.ID, store.QueryStatusApproved); err != nil {
				return err
			}
			query.Status = store.QueryStatusApproved
			history.Status = store.QueryStatusApproved
		}

		payload = queryPayload(query)
		generation := historyPayload(history)
		generation["approvalCount"] = count
		generation["approvalQuota"] = team.ApprovalQuota
		payload["generation"] = generation
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("query approval recorded", "queryId", queryID, "status", payload["status"])
	return payload, nil
}

// Reject closes the pending generation and returns the query to draft.
// The rejected generation stays in history and never reopens.
func (s *Service) Reject(ctx context.Context, session Session, queryID string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		query, err := tx.LockQuery(ctx, queryID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Query not found", nil)
		}
		if err != nil {
			return err
		}
		if _, err := requireCan(ctx, tx, query.TeamID, session.UserID, rbac.ActionApprove); err != nil {
			return err
		}
		if query.Status != store.QueryStatusPending {
			return domainError(http.StatusConflict, "NOT_PENDING", "Query has no generation awaiting approval", nil)
		}
		history, err := tx.LatestHistory(ctx, query.ID)
		if err != nil {
			return err
		}
		if history.ModifiedByEmail == session.Email {
			return domainError(http.StatusConflict, "SELF_REJECTION", "The submitter cannot reject their own change; withdraw instead", nil)
		}

		if err := tx.UpdateHistoryStatus(ctx, history.ID, store.QueryStatusRejected); err != nil {
			return err
		}
		if err := tx.UpdateQueryStatus(ctx, query.ID, store.QueryStatusDraft); err != nil {
			return err
		}
		query.Status = store.QueryStatusDraft
		history.Status = store.QueryStatusRejected

		payload = queryPayload(query)
		payload["generation"] = historyPayload(history)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("query rejected", "queryId", queryID)
	return payload, nil
}

// NewDraft reopens an approved query for editing without discarding its
// approved history.
func (s *Service) NewDraft(ctx context.Context, session Session, queryID string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		query, err := tx.LockQuery(ctx, queryID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Query not found", nil)
		}
		if err != nil {
			return err
		}
		if _, err := requireCan(ctx, tx, query.TeamID, session.UserID, rbac.ActionWrite); err != nil {
			return err
		}
		if query.Status != store.QueryStatusApproved {
			return domainError(http.StatusConflict, "NOT_APPROVED", "Only an approved query can be reopened as a draft", nil)
		}
		if err := tx.UpdateQueryStatus(ctx, query.ID, store.QueryStatusDraft); err != nil {
			return err
		}
		query.Status = store.QueryStatusDraft
		payload = queryPayload(query)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Service) ListQueryHistory(ctx context.Context, session Session, queryID string) (map[string]any, error) {
	var history []store.QueryHistory
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		query, err := s.loadQuery(ctx, tx, queryID)
		if err != nil {
			return err
		}
		if _, err := requireCan(ctx, tx, query.TeamID, session.UserID, rbac.ActionRead); err != nil {
			return err
		}
		found, err := tx.ListHistory(ctx, query.ID)
		if err != nil {
			return err
		}
		history = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(history))
	for _, entry := range history {
		items = append(items, historyPayload(entry))
	}
	return map[string]any{"history": items}, nil
}

// ListQueryApprovals returns who has approved the latest generation.
func (s *Service) ListQueryApprovals(ctx context.Context, session Session, queryID string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		query, err := s.loadQuery(ctx, tx, queryID)
		if err != nil {
			return err
		}
		if _, err := requireCan(ctx, tx, query.TeamID, session.UserID, rbac.ActionRead); err != nil {
			return err
		}
		history, err := tx.LatestHistory(ctx, query.ID)
		if errors.Is(err, sql.ErrNoRows) {
			payload = map[string]any{"approvals": []map[string]any{}}
			return nil
		}
		if err != nil {
			return err
		}
		approvals, err := tx.ListApprovals(ctx, history.ID)
		if err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, query.TeamID)
		if err != nil {
			return err
		}

		items := make([]map[string]any, 0, len(approvals))
		for _, approval := range approvals {
			items = append(items, map[string]any{
				"id":          approval.ID,
				"userId":      approval.UserID,
				"email":       approval.Email,
				"displayName": approval.DisplayName,
				"createdAt":   approval.CreatedAt,
			})
		}
		payload = map[string]any{
			"generationId":  history.ID,
			"approvals":     items,
			"approvalCount": len(approvals),
			"approvalQuota": team.ApprovalQuota,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ListPendingApprovals is the review inbox: every pending generation in
// a team, optionally excluding those submitted by the caller so the
// list shows only items they can act on.
func (s *Service) ListPendingApprovals(ctx context.Context, session Session, teamID, excludeEmail string) (map[string]any, error) {
	if teamID == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "teamId is required", nil)
	}
	excludeEmail = normalizeEmail(excludeEmail)

	var reviews []store.PendingReview
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireCan(ctx, tx, teamID, session.UserID, rbac.ActionRead); err != nil {
			return err
		}
		found, err := tx.ListPendingReviews(ctx, teamID, excludeEmail)
		if err != nil {
			return err
		}
		reviews = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(reviews))
	for _, review := range reviews {
		items = append(items, map[string]any{
			"queryId":         review.QueryID,
			"queryName":       review.QueryName,
			"teamId":          review.TeamID,
			"generationId":    review.HistoryID,
			"modifiedByEmail": review.ModifiedByEmail,
			"changeReason":    review.ChangeReason,
			"approvalCount":   review.ApprovalCount,
			"approvalQuota":   review.Quota,
			"submittedAt":     review.SubmittedAt,
		})
	}
	return map[string]any{"pending": items}, nil
}

func (s *Service) loadQuery(ctx context.Context, tx store.Tx, queryID string) (store.Query, error) {
	query, err := tx.GetQuery(ctx, queryID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Query{}, domainError(http.StatusNotFound, "NOT_FOUND", "Query not found", nil)
	}
	if err != nil {
		return store.Query{}, err
	}
	return query, nil
}

func queryPayload(query store.Query) map[string]any {
	return map[string]any{
		"id":                  query.ID,
		"teamId":              query.TeamID,
		"folderId":            query.FolderID,
		"name":                query.Name,
		"status":              query.Status,
		"sqlContent":          query.SQLContent,
		"lastModifiedByEmail": query.LastModifiedByEmail,
		"updatedAt":           query.UpdatedAt,
	}
}

func historyPayload(history store.QueryHistory) map[string]any {
	return map[string]any{
		"id":              history.ID,
		"queryId":         history.QueryID,
		"sqlContent":      history.SQLContent,
		"modifiedByEmail": history.ModifiedByEmail,
		"changeReason":    history.ChangeReason,
		"status":          history.Status,
		"createdAt":       history.CreatedAt,
	}
}
