// Package commission turns settled payment events into commission accruals
// and owns the commission lifecycle.
package commission

import (
	"context"
	"time"

	"github.com/eduzayn/bursar/pkg/models"
	"github.com/eduzayn/bursar/pkg/money"
)

// PaymentEvent is the settled payment fed into rule matching.
type PaymentEvent struct {
	InstitutionID    string
	PaymentID        string
	StudentID        string
	EnrollmentID     *string
	CourseID         *string
	BaseAmountCents  int64
	InstallmentIndex int
	AccrualType      models.AccrualType
	ReferenceDate    time.Time
}

// BeneficiaryResolver answers which pool or consultant a student belongs to.
// An empty beneficiary id with a nil error means no beneficiary of that kind
// exists for the student; matching skips the rule with no side effect.
type BeneficiaryResolver interface {
	Resolve(ctx context.Context, institutionID, studentID string, kind models.BeneficiaryKind) (string, error)
}

// Draft is a commission computed by the matcher before persistence.
type Draft struct {
	RuleID          string
	BeneficiaryID   string
	BeneficiaryKind models.BeneficiaryKind
	ValueCents      int64
	Percentage      *float64
}

// Match selects the rules applicable to an event and computes commission
// values. It is a pure function of its inputs: beneficiaries must be resolved
// by the caller beforehand (one entry per kind, absent when the student has no
// beneficiary of that kind), so running Match twice on the same event and rule
// set yields identical drafts. Zero matching rules yields an empty list.
func Match(event PaymentEvent, rules []models.CommissionRule, beneficiaries map[models.BeneficiaryKind]string) []Draft {
	var drafts []Draft
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if rule.CourseID != nil {
			if event.CourseID == nil || *rule.CourseID != *event.CourseID {
				continue
			}
		}
		if !rule.Recurring && event.InstallmentIndex != 1 {
			continue
		}
		if len(rule.EligibleInstallments) > 0 && !containsInstallment(rule.EligibleInstallments, int64(event.InstallmentIndex)) {
			continue
		}
		beneficiaryID, ok := beneficiaries[rule.BeneficiaryKind]
		if !ok || beneficiaryID == "" {
			continue
		}

		var value int64
		if rule.Percentage != nil {
			value = money.Percentage(event.BaseAmountCents, *rule.Percentage)
		} else if rule.FixedAmountCents != nil {
			value = *rule.FixedAmountCents
		} else {
			continue
		}

		drafts = append(drafts, Draft{
			RuleID:          rule.ID,
			BeneficiaryID:   beneficiaryID,
			BeneficiaryKind: rule.BeneficiaryKind,
			ValueCents:      value,
			Percentage:      rule.Percentage,
		})
	}
	return drafts
}

// ResolveBeneficiaries looks up the event's beneficiary for every kind the
// rule set needs. Directory errors abort matching; a missing beneficiary does
// not.
func ResolveBeneficiaries(ctx context.Context, resolver BeneficiaryResolver, event PaymentEvent, rules []models.CommissionRule) (map[models.BeneficiaryKind]string, error) {
	kinds := map[models.BeneficiaryKind]bool{}
	for _, rule := range rules {
		if rule.Active {
			kinds[rule.BeneficiaryKind] = true
		}
	}

	beneficiaries := make(map[models.BeneficiaryKind]string, len(kinds))
	for kind := range kinds {
		id, err := resolver.Resolve(ctx, event.InstitutionID, event.StudentID, kind)
		if err != nil {
			return nil, err
		}
		if id != "" {
			beneficiaries[kind] = id
		}
	}
	return beneficiaries, nil
}

func containsInstallment(eligible []int64, index int64) bool {
	for _, e := range eligible {
		if e == index {
			return true
		}
	}
	return false
}
