package pronote

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAPPER - Raw portal records to domain records
// ══════════════════════════════════════════════════════════════════════════════

// errMissingField marks a raw record that lacks an attribute the domain model
// cannot do without. Such records are dropped, never zero-filled.
var errMissingField = errors.New("required field missing")

func strOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func intOr(i *int, def int) int {
	if i == nil {
		return def
	}
	return *i
}

func toChildInfo(raw RawChild) portal.ChildInfo {
	return portal.ChildInfo{
		Name:          raw.Name,
		ID:            strOr(raw.ProfileURL, raw.Name),
		ClassName:     strOr(raw.Class, ""),
		Establishment: strOr(raw.School, ""),
	}
}

func toLesson(raw RawLesson) (portal.Lesson, error) {
	if raw.Start == nil || raw.End == nil {
		return portal.Lesson{}, errMissingField
	}
	return portal.Lesson{
		ID:          strOr(raw.ID, ""),
		Subject:     strOr(raw.Subject, ""),
		Start:       *raw.Start,
		End:         *raw.End,
		Room:        strOr(raw.Classroom, ""),
		Teacher:     strOr(raw.Teacher, ""),
		Canceled:    boolOr(raw.Canceled, false),
		IsDetention: boolOr(raw.Detention, false),
		Status:      strOr(raw.Status, ""),
		Color:       strOr(raw.BackgroundColor, ""),
		IsOutside:   boolOr(raw.Outing, false),
	}, nil
}

// toLessons converts and sorts a day or range of lessons by start time.
// Records missing their time bounds are dropped.
func toLessons(raws []RawLesson) []portal.Lesson {
	lessons := make([]portal.Lesson, 0, len(raws))
	for _, raw := range raws {
		lesson, err := toLesson(raw)
		if err != nil {
			continue
		}
		lessons = append(lessons, lesson)
	}
	sort.Slice(lessons, func(i, j int) bool {
		return lessons[i].Start.Before(lessons[j].Start)
	})
	return lessons
}

func toGrade(raw RawGrade) (portal.Grade, error) {
	if raw.Date == nil {
		return portal.Grade{}, errMissingField
	}
	return portal.Grade{
		ID:           strOr(raw.ID, ""),
		Date:         *raw.Date,
		Subject:      strOr(raw.Subject, ""),
		Grade:        strOr(raw.Grade, ""),
		OutOf:        strOr(raw.OutOf, ""),
		Coefficient:  strOr(raw.Coefficient, ""),
		ClassAverage: strOr(raw.ClassAverage, ""),
		Comment:      strOr(raw.Comment, ""),
		IsBonus:      boolOr(raw.IsBonus, false),
		IsOptional:   boolOr(raw.IsOptional, false),
	}, nil
}

func toGrades(raws []RawGrade) []portal.Grade {
	grades := make([]portal.Grade, 0, len(raws))
	for _, raw := range raws {
		grade, err := toGrade(raw)
		if err != nil {
			continue
		}
		grades = append(grades, grade)
	}
	sort.Slice(grades, func(i, j int) bool {
		return grades[i].Date.After(grades[j].Date)
	})
	return grades
}

func toAverages(raws []RawAverage) []portal.Average {
	averages := make([]portal.Average, 0, len(raws))
	for _, raw := range raws {
		if raw.Subject == nil {
			continue
		}
		averages = append(averages, portal.Average{
			Subject:      *raw.Subject,
			Student:      strOr(raw.Student, ""),
			ClassAverage: strOr(raw.ClassAverage, ""),
			Max:          strOr(raw.Max, ""),
			Min:          strOr(raw.Min, ""),
		})
	}
	return averages
}

// toOverallAverage parses the portal's comma-decimal average string. Value is
// nil when the string does not parse ("Absent", empty, ...).
func toOverallAverage(raw *string) *portal.OverallAverage {
	if raw == nil {
		return nil
	}
	avg := &portal.OverallAverage{Raw: *raw}
	normalized := strings.Replace(strings.TrimSpace(*raw), ",", ".", 1)
	if v, err := strconv.ParseFloat(normalized, 64); err == nil {
		avg.Value = &v
	}
	return avg
}

func toAbsence(raw RawAbsence) (portal.Absence, error) {
	if raw.FromDate == nil {
		return portal.Absence{}, errMissingField
	}
	toDate := *raw.FromDate
	if raw.ToDate != nil {
		toDate = *raw.ToDate
	}
	return portal.Absence{
		ID:        strOr(raw.ID, ""),
		FromDate:  *raw.FromDate,
		ToDate:    toDate,
		Justified: boolOr(raw.Justified, false),
		Hours:     strOr(raw.Hours, ""),
		Reason:    strings.Join(raw.Reasons, ", "),
	}, nil
}

func toAbsences(raws []RawAbsence) []portal.Absence {
	absences := make([]portal.Absence, 0, len(raws))
	for _, raw := range raws {
		absence, err := toAbsence(raw)
		if err != nil {
			continue
		}
		absences = append(absences, absence)
	}
	sort.Slice(absences, func(i, j int) bool {
		return absences[i].FromDate.After(absences[j].FromDate)
	})
	return absences
}

func toDelay(raw RawDelay) (portal.Delay, error) {
	if raw.Date == nil {
		return portal.Delay{}, errMissingField
	}
	return portal.Delay{
		ID:        strOr(raw.ID, ""),
		Date:      *raw.Date,
		Minutes:   intOr(raw.Minutes, 0),
		Justified: boolOr(raw.Justified, false),
		Reason:    strings.Join(raw.Reasons, ", "),
	}, nil
}

func toDelays(raws []RawDelay) []portal.Delay {
	delays := make([]portal.Delay, 0, len(raws))
	for _, raw := range raws {
		delay, err := toDelay(raw)
		if err != nil {
			continue
		}
		delays = append(delays, delay)
	}
	sort.Slice(delays, func(i, j int) bool {
		return delays[i].Date.After(delays[j].Date)
	})
	return delays
}

func toPunishments(raws []RawPunishment) []portal.Punishment {
	punishments := make([]portal.Punishment, 0, len(raws))
	for _, raw := range raws {
		if raw.Given == nil {
			continue
		}
		punishments = append(punishments, portal.Punishment{
			ID:             strOr(raw.ID, ""),
			Given:          *raw.Given,
			Subject:        strOr(raw.Nature, ""),
			Reason:         strings.Join(raw.Reasons, ", "),
			Duration:       strOr(raw.DurationHours, ""),
			DuringLesson:   boolOr(raw.DuringLesson, false),
			Homework:       strOr(raw.Homework, ""),
			ExclusionDates: raw.ExclusionDates,
		})
	}
	sort.Slice(punishments, func(i, j int) bool {
		return punishments[i].Given.After(punishments[j].Given)
	})
	return punishments
}

func toEvaluations(raws []RawEvaluation) []portal.Evaluation {
	evaluations := make([]portal.Evaluation, 0, len(raws))
	for _, raw := range raws {
		if raw.Date == nil {
			continue
		}
		acquisitions := make([]portal.Acquisition, 0, len(raw.Acquisitions))
		for _, acq := range raw.Acquisitions {
			acquisitions = append(acquisitions, portal.Acquisition{
				Name:  strOr(acq.Name, ""),
				Level: strOr(acq.Level, ""),
			})
		}
		evaluations = append(evaluations, portal.Evaluation{
			ID:           strOr(raw.ID, ""),
			Name:         strOr(raw.Name, ""),
			Subject:      strOr(raw.Subject, ""),
			Date:         *raw.Date,
			Acquisitions: acquisitions,
		})
	}
	sort.Slice(evaluations, func(i, j int) bool {
		return evaluations[i].Date.After(evaluations[j].Date)
	})
	return evaluations
}

func toAttachments(raws []RawAttachment) []portal.Attachment {
	if len(raws) == 0 {
		return nil
	}
	attachments := make([]portal.Attachment, 0, len(raws))
	for _, raw := range raws {
		kind := "file"
		if intOr(raw.Type, 1) == 0 {
			kind = "link"
		}
		attachments = append(attachments, portal.Attachment{
			Name: strOr(raw.Name, ""),
			URL:  strOr(raw.URL, ""),
			Type: kind,
		})
	}
	return attachments
}

func toHomeworks(raws []RawHomework) []portal.Homework {
	homeworks := make([]portal.Homework, 0, len(raws))
	for _, raw := range raws {
		if raw.Date == nil {
			continue
		}
		homeworks = append(homeworks, portal.Homework{
			ID:          strOr(raw.ID, ""),
			Date:        *raw.Date,
			Subject:     strOr(raw.Subject, ""),
			Description: strOr(raw.Description, ""),
			Done:        boolOr(raw.Done, false),
			Color:       strOr(raw.BackgroundColor, ""),
			Files:       toAttachments(raw.Attachments),
		})
	}
	sort.Slice(homeworks, func(i, j int) bool {
		return homeworks[i].Date.Before(homeworks[j].Date)
	})
	return homeworks
}

func toInformationSurveys(raws []RawInformation) []portal.InformationSurvey {
	items := make([]portal.InformationSurvey, 0, len(raws))
	for _, raw := range raws {
		created := time.Time{}
		if raw.CreationDate != nil {
			created = *raw.CreationDate
		} else if raw.StartDate != nil {
			created = *raw.StartDate
		}
		items = append(items, portal.InformationSurvey{
			ID:                strOr(raw.ID, ""),
			Title:             strOr(raw.Title, ""),
			CreationDate:      created,
			Author:            strOr(raw.Author, ""),
			Category:          strOr(raw.Category, ""),
			Read:              boolOr(raw.Read, false),
			Survey:            boolOr(raw.Survey, false),
			AnonymousResponse: boolOr(raw.Anonymous, false),
			Content:           strOr(raw.Content, ""),
			Attachments:       toAttachments(raw.Attachments),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreationDate.After(items[j].CreationDate)
	})
	return items
}

func toFoods(raws []RawFood) []portal.Food {
	if len(raws) == 0 {
		return nil
	}
	foods := make([]portal.Food, 0, len(raws))
	for _, raw := range raws {
		labels := make([]portal.FoodLabel, 0, len(raw.Labels))
		for _, label := range raw.Labels {
			labels = append(labels, portal.FoodLabel{
				Name:  strOr(label.Name, ""),
				Color: strOr(label.Color, ""),
			})
		}
		foods = append(foods, portal.Food{
			Name:   strOr(raw.Name, ""),
			Labels: labels,
		})
	}
	return foods
}

func toMenus(raws []RawMenu) []portal.Menu {
	menus := make([]portal.Menu, 0, len(raws))
	for _, raw := range raws {
		if raw.Date == nil {
			continue
		}
		menus = append(menus, portal.Menu{
			Name:      strOr(raw.Name, ""),
			Date:      *raw.Date,
			IsLunch:   boolOr(raw.IsLunch, false),
			IsDinner:  boolOr(raw.IsDinner, false),
			FirstMeal: toFoods(raw.FirstMeal),
			MainMeal:  toFoods(raw.MainMeal),
			SideMeal:  toFoods(raw.SideMeal),
			Cheese:    toFoods(raw.CheeseMeal),
			Dessert:   toFoods(raw.DessertMeal),
		})
	}
	sort.Slice(menus, func(i, j int) bool {
		return menus[i].Date.Before(menus[j].Date)
	})
	return menus
}

func toPeriodInfo(raw RawPeriod) portal.PeriodInfo {
	return portal.PeriodInfo{
		ID:    raw.ID,
		Name:  raw.Name,
		Start: raw.Start,
		End:   raw.End,
	}
}
