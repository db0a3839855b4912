// Package analytics summarizes the interaction journal into daily reports.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/storage"
)

// DailyStats aggregates one calendar day of replies.
type DailyStats struct {
	Date          string                 `json:"date"`
	Replies       int                    `json:"replies"`
	UniqueSenders int                    `json:"unique_senders"`
	BySource      map[storage.Source]int `json:"by_source"`
	ByIntent      map[string]int         `json:"by_intent"`
	ByChannel     map[string]int         `json:"by_channel"`
	Escalations   int                    `json:"escalations"`
	SendFailures  int                    `json:"send_failures"`
}

// AnalyzeDay counts the interactions whose timestamp falls on targetDate in
// targetDate's location.
func AnalyzeDay(interactions []storage.Interaction, targetDate time.Time) *DailyStats {
	startOfDay := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, targetDate.Location())
	endOfDay := startOfDay.AddDate(0, 0, 1)

	stats := &DailyStats{
		Date:      startOfDay.Format("2006-01-02"),
		BySource:  make(map[storage.Source]int),
		ByIntent:  make(map[string]int),
		ByChannel: make(map[string]int),
	}
	senders := make(map[string]struct{})
	escalated := make(map[string]struct{})

	for _, in := range interactions {
		if in.Timestamp.Before(startOfDay) || !in.Timestamp.Before(endOfDay) {
			continue
		}
		stats.Replies++
		senders[in.Sender] = struct{}{}
		stats.BySource[in.Source]++
		stats.ByChannel[in.Channel]++
		if in.Intent != "" {
			stats.ByIntent[in.Intent]++
		}
		if in.Escalated {
			escalated[in.Sender] = struct{}{}
		}
		if in.SendFailed {
			stats.SendFailures++
		}
	}
	stats.UniqueSenders = len(senders)
	stats.Escalations = len(escalated)
	return stats
}

// Summary renders the report sent to the owner.
func (ds *DailyStats) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resumen del %s\n", ds.Date)
	fmt.Fprintf(&b, "- Respuestas enviadas: %d\n", ds.Replies)
	fmt.Fprintf(&b, "- Clientes únicos: %d\n", ds.UniqueSenders)
	fmt.Fprintf(&b, "- Escalados a asesor: %d\n", ds.Escalations)
	if ds.SendFailures > 0 {
		fmt.Fprintf(&b, "- Envíos fallidos: %d\n", ds.SendFailures)
	}
	writeCounts(&b, "Por origen", toStringKeys(ds.BySource))
	writeCounts(&b, "Por intención", ds.ByIntent)
	writeCounts(&b, "Por canal", ds.ByChannel)
	return strings.TrimRight(b.String(), "\n")
}

func (ds *DailyStats) ToJSON() (string, error) {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toStringKeys(m map[storage.Source]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func writeCounts(b *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(b, "  %s: %d\n", k, counts[k])
	}
}

type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Reporter sends the day's summary to a recipient key.
type Reporter struct {
	Recorder  storage.Recorder
	Sender    Sender
	Recipient string
	Location  *time.Location
	Now       func() time.Time
}

func (r *Reporter) Run(ctx context.Context) error {
	if r.Recipient == "" {
		return errors.New("analytics: no report recipient")
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}

	interactions, err := r.Recorder.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "analytics: load interactions")
	}
	stats := AnalyzeDay(interactions, now().In(loc))
	if err := r.Sender.Send(ctx, r.Recipient, stats.Summary()); err != nil {
		return errors.Wrap(err, "analytics: send report")
	}
	log.Info().Str("date", stats.Date).Int("replies", stats.Replies).Str("recipient", r.Recipient).Msg("daily report sent")
	return nil
}
