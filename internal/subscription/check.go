package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cupwatch/internal/eventbus"
	"cupwatch/pkg/logx"
)

const diagnosticSendTimeout = 30 * time.Second

// UpdateHeader is the first line of a scheduled notification.
func UpdateHeader(id ID) string {
	return fmt.Sprintf("Update on your subscription %s %s:", id.SubjectID, id.RequestID)
}

// DiagnosticText is sent instead of results when a scheduled check fails.
func DiagnosticText(id ID, err error) string {
	return fmt.Sprintf("Internal error while checking subscription %s %s:\n%v", id.SubjectID, id.RequestID, err)
}

// check is the scheduled routine for id. Filters are read at fire time.
// Fetch failures are reported to the destination and swallowed so the
// timer keeps its period.
func (m *Manager) check(ctx context.Context, id ID) error {
	log := m.log.With(logx.String("id", id.String()))

	sub, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		log.Debug("subscription gone; skipping tick")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", id, err)
	}

	start := m.now()
	recs, err := m.fetch.Fetch(ctx, id.SubjectID, id.RequestID)
	if err != nil {
		fe := ClassifyFetchError(err)
		log.Warn("check failed", logx.String("kind", fe.Kind.String()), logx.Duration("took", m.now().Sub(start)), logx.Err(fe))
		m.publish(eventbus.CheckFailed, EventData{ID: id, Kind: fe.Kind.String(), Err: fe.Error()})

		if errors.Is(ctx.Err(), context.Canceled) {
			// Shutting down.
			return nil
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticSendTimeout)
		defer cancel()
		if serr := m.notif.Send(sctx, sub.Destination, DiagnosticText(id, fe)); serr != nil {
			log.Warn("diagnostic not delivered", logx.Err(serr))
			m.publish(eventbus.NotificationFailed, EventData{ID: id, Err: serr.Error()})
		}
		return nil
	}

	matched := Filter(recs, sub.Filters)
	log.Debug("check done", logx.Int("records", len(recs)), logx.Int("matches", len(matched)), logx.Duration("took", m.now().Sub(start)))
	m.publish(eventbus.CheckCompleted, EventData{ID: id, Records: len(recs), Matches: len(matched)})
	if len(matched) == 0 {
		return nil
	}

	if err := m.notif.Deliver(ctx, sub.Destination, UpdateHeader(id), renderLines(matched)); err != nil {
		log.Warn("notification partly failed", logx.Err(err))
		m.publish(eventbus.NotificationFailed, EventData{ID: id, Matches: len(matched), Err: err.Error()})
		return nil
	}
	m.publish(eventbus.NotificationSent, EventData{ID: id, Matches: len(matched)})
	return nil
}

func renderLines(recs []Record) []string {
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, r.Display())
	}
	return lines
}
