package gormstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/fraud"
)

const defaultSecurityEventPage = 100

// InsertSecurityEvent implements fraud.AuditStore.
func (store *Store) InsertSecurityEvent(ctx context.Context, event fraud.SecurityEvent) error {
	signals, err := json.Marshal(nonNilSignals(event.Signals))
	if err != nil {
		return wrapStoreError(errorSubjectSecurityEvent, errorCodeInvalid, err)
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	row := SecurityEvent{
		EventID:         event.EventID,
		UserID:          event.UserID,
		IPAddress:       event.IPAddress,
		CountryCode:     event.CountryCode,
		ASNOrganization: event.ASNOrganization,
		UserAgent:       event.UserAgent,
		Confidence:      event.Confidence,
		VPNScore:        event.VPNScore,
		IsVPN:           event.IsVPN,
		IsSuspicious:    event.IsSuspicious,
		Decision:        event.Decision,
		Reason:          event.Reason,
		Signals:         datatypesJSON(string(signals)),
		CreatedAt:       unixTime(event.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectSecurityEvent, errorCodeInsert, err)
	}
	return nil
}

// ListSecurityEvents implements fraud.AuditStore: newest first, strictly before the cutoff when one is given.
func (store *Store) ListSecurityEvents(ctx context.Context, beforeUnixUTC int64, limit int) ([]fraud.SecurityEvent, error) {
	if limit <= 0 {
		limit = defaultSecurityEventPage
	}
	query := store.db.WithContext(ctx).Order("created_at DESC").Order("event_id DESC").Limit(limit)
	if beforeUnixUTC > 0 {
		query = query.Where("created_at < ?", time.Unix(beforeUnixUTC, 0).UTC())
	}
	var rows []SecurityEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectSecurityEvent, errorCodeList, err)
	}
	events := make([]fraud.SecurityEvent, 0, len(rows))
	for _, row := range rows {
		var signals []string
		if err := json.Unmarshal(row.Signals, &signals); err != nil {
			return nil, wrapStoreError(errorSubjectSecurityEvent, errorCodeInvalid, err)
		}
		events = append(events, fraud.SecurityEvent{
			EventID:         row.EventID,
			UserID:          row.UserID,
			IPAddress:       row.IPAddress,
			CountryCode:     row.CountryCode,
			ASNOrganization: row.ASNOrganization,
			UserAgent:       row.UserAgent,
			Confidence:      row.Confidence,
			VPNScore:        row.VPNScore,
			IsVPN:           row.IsVPN,
			IsSuspicious:    row.IsSuspicious,
			Decision:        row.Decision,
			Reason:          row.Reason,
			Signals:         signals,
			CreatedUnixUTC:  row.CreatedAt.Unix(),
		})
	}
	return events, nil
}

func nonNilSignals(signals []string) []string {
	if signals == nil {
		return []string{}
	}
	return signals
}
