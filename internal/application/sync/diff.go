package sync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
	"github.com/pronote-hub/pronote-sync/internal/domain/shared"
	"github.com/pronote-hub/pronote-sync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT DIFF
// ══════════════════════════════════════════════════════════════════════════════

// Items are matched on content keys rather than portal IDs: the portal is
// known to reissue IDs between sessions, while the displayed fields of an
// item never change once published.

func gradeKey(g portal.Grade) string {
	return strings.Join([]string{
		timeutil.FormatDateStr(g.Date), g.Subject, g.Grade, g.OutOf,
	}, "|")
}

func absenceKey(a portal.Absence) string {
	return a.FromDate.Format("2006-01-02T15:04") + "|" + a.ToDate.Format("2006-01-02T15:04")
}

func delayKey(d portal.Delay) string {
	return timeutil.FormatDateStr(d.Date) + "|" + strconv.Itoa(d.Minutes)
}

func evaluationKey(e portal.Evaluation) string {
	return strings.Join([]string{
		e.Name, timeutil.FormatDateStr(e.Date), e.Subject,
	}, "|")
}

// newGrades returns the grades in curr that are absent from prev. A nil
// side means the field was unavailable that cycle and no comparison is
// possible.
func newGrades(prev, curr []portal.Grade) []portal.Grade {
	if prev == nil || curr == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(prev))
	for _, g := range prev {
		seen[gradeKey(g)] = struct{}{}
	}
	fresh := make([]portal.Grade, 0)
	for _, g := range curr {
		if _, ok := seen[gradeKey(g)]; !ok {
			fresh = append(fresh, g)
		}
	}
	return fresh
}

func newAbsences(prev, curr []portal.Absence) []portal.Absence {
	if prev == nil || curr == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(prev))
	for _, a := range prev {
		seen[absenceKey(a)] = struct{}{}
	}
	fresh := make([]portal.Absence, 0)
	for _, a := range curr {
		if _, ok := seen[absenceKey(a)]; !ok {
			fresh = append(fresh, a)
		}
	}
	return fresh
}

func newDelays(prev, curr []portal.Delay) []portal.Delay {
	if prev == nil || curr == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(prev))
	for _, d := range prev {
		seen[delayKey(d)] = struct{}{}
	}
	fresh := make([]portal.Delay, 0)
	for _, d := range curr {
		if _, ok := seen[delayKey(d)]; !ok {
			fresh = append(fresh, d)
		}
	}
	return fresh
}

func newEvaluations(prev, curr []portal.Evaluation) []portal.Evaluation {
	if prev == nil || curr == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(prev))
	for _, e := range prev {
		seen[evaluationKey(e)] = struct{}{}
	}
	fresh := make([]portal.Evaluation, 0)
	for _, e := range curr {
		if _, ok := seen[evaluationKey(e)]; !ok {
			fresh = append(fresh, e)
		}
	}
	return fresh
}

// Diff holds everything that appeared between two successive snapshots.
type Diff struct {
	Grades      []portal.Grade
	Absences    []portal.Absence
	Delays      []portal.Delay
	Evaluations []portal.Evaluation
}

// Total returns the number of new items across all families.
func (d Diff) Total() int {
	return len(d.Grades) + len(d.Absences) + len(d.Delays) + len(d.Evaluations)
}

// DiffSnapshots compares two successive snapshots. The previous snapshot
// being nil means this is the baseline cycle and nothing is new.
func DiffSnapshots(prev, curr *portal.Snapshot) Diff {
	if prev == nil || curr == nil {
		return Diff{}
	}
	return Diff{
		Grades:      newGrades(prev.Grades, curr.Grades),
		Absences:    newAbsences(prev.Absences, curr.Absences),
		Delays:      newDelays(prev.Delays, curr.Delays),
		Evaluations: newEvaluations(prev.Evaluations, curr.Evaluations),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT PAYLOADS
// ══════════════════════════════════════════════════════════════════════════════

func gradeEventData(g portal.Grade) map[string]interface{} {
	data := map[string]interface{}{
		"subject": g.Subject,
		"grade":   fmt.Sprintf("%s/%s", g.Grade, g.OutOf),
		"date":    timeutil.FormatDateStr(g.Date),
	}
	if g.ClassAverage != "" {
		data["class_average"] = g.ClassAverage
	}
	if g.Comment != "" {
		data["comment"] = g.Comment
	}
	return data
}

func absenceEventData(a portal.Absence) map[string]interface{} {
	data := map[string]interface{}{
		"from":      timeutil.FormatDateTimeStr(a.FromDate),
		"to":        timeutil.FormatDateTimeStr(a.ToDate),
		"justified": a.Justified,
	}
	if a.Hours != "" {
		data["hours"] = a.Hours
	}
	if a.Reason != "" {
		data["reason"] = a.Reason
	}
	return data
}

func delayEventData(d portal.Delay) map[string]interface{} {
	data := map[string]interface{}{
		"date":      timeutil.FormatDateStr(d.Date),
		"minutes":   d.Minutes,
		"justified": d.Justified,
	}
	if d.Reason != "" {
		data["reason"] = d.Reason
	}
	return data
}

func evaluationEventData(e portal.Evaluation) map[string]interface{} {
	return map[string]interface{}{
		"name":         e.Name,
		"subject":      e.Subject,
		"date":         timeutil.FormatDateStr(e.Date),
		"acquisitions": len(e.Acquisitions),
	}
}

// Events converts the diff into bus events, in family then record order.
func (d Diff) Events(childSlug, childName string) []shared.Event {
	events := make([]shared.Event, 0, d.Total())
	for _, g := range d.Grades {
		events = append(events, shared.NewNewItemEvent(shared.EventNewGrade, childSlug, childName, gradeEventData(g)))
	}
	for _, a := range d.Absences {
		events = append(events, shared.NewNewItemEvent(shared.EventNewAbsence, childSlug, childName, absenceEventData(a)))
	}
	for _, dl := range d.Delays {
		events = append(events, shared.NewNewItemEvent(shared.EventNewDelay, childSlug, childName, delayEventData(dl)))
	}
	for _, e := range d.Evaluations {
		events = append(events, shared.NewNewItemEvent(shared.EventNewEvaluation, childSlug, childName, evaluationEventData(e)))
	}
	return events
}
