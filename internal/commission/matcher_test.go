package commission

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/eduzayn/bursar/pkg/models"
)

func ptrStr(s string) *string   { return &s }
func ptrF64(f float64) *float64 { return &f }
func ptrI64(i int64) *int64     { return &i }

func baseEvent() PaymentEvent {
	return PaymentEvent{
		InstitutionID:    "inst-1",
		PaymentID:        "payment-1",
		StudentID:        "student-1",
		CourseID:         ptrStr("course-math"),
		BaseAmountCents:  50000,
		InstallmentIndex: 1,
		AccrualType:      models.AccrualInstallment,
		ReferenceDate:    time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMatchPercentageAndFixed(t *testing.T) {
	rules := []models.CommissionRule{
		{ID: "rule-pct", BeneficiaryKind: models.BeneficiaryConsultant, Percentage: ptrF64(10), Recurring: true, Active: true},
		{ID: "rule-fixed", BeneficiaryKind: models.BeneficiaryPool, FixedAmountCents: ptrI64(2500), Recurring: true, Active: true},
	}
	beneficiaries := map[models.BeneficiaryKind]string{
		models.BeneficiaryConsultant: "consultant-9",
		models.BeneficiaryPool:       "pool-3",
	}

	drafts := Match(baseEvent(), rules, beneficiaries)
	if len(drafts) != 2 {
		t.Fatalf("got %d drafts, want 2", len(drafts))
	}
	if drafts[0].ValueCents != 5000 {
		t.Errorf("percentage draft = %d cents, want 5000 (10%% of 50000)", drafts[0].ValueCents)
	}
	if drafts[1].ValueCents != 2500 {
		t.Errorf("fixed draft = %d cents, want 2500", drafts[1].ValueCents)
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	rules := []models.CommissionRule{
		{ID: "r1", BeneficiaryKind: models.BeneficiaryConsultant, Percentage: ptrF64(7.5), Recurring: true, Active: true},
		{ID: "r2", BeneficiaryKind: models.BeneficiaryPool, Percentage: ptrF64(2.5), Recurring: false, Active: true},
	}
	beneficiaries := map[models.BeneficiaryKind]string{
		models.BeneficiaryConsultant: "consultant-9",
		models.BeneficiaryPool:       "pool-3",
	}

	first := Match(baseEvent(), rules, beneficiaries)
	second := Match(baseEvent(), rules, beneficiaries)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("two runs differ: %+v vs %+v", first, second)
	}
}

func TestMatchCourseScope(t *testing.T) {
	rules := []models.CommissionRule{
		{ID: "scoped", BeneficiaryKind: models.BeneficiaryConsultant, CourseID: ptrStr("course-law"), Percentage: ptrF64(10), Recurring: true, Active: true},
		{ID: "global", BeneficiaryKind: models.BeneficiaryConsultant, Percentage: ptrF64(5), Recurring: true, Active: true},
	}
	beneficiaries := map[models.BeneficiaryKind]string{models.BeneficiaryConsultant: "consultant-9"}

	drafts := Match(baseEvent(), rules, beneficiaries)
	if len(drafts) != 1 || drafts[0].RuleID != "global" {
		t.Fatalf("want only the unscoped rule to match, got %+v", drafts)
	}

	// Event without a course only matches unscoped rules.
	event := baseEvent()
	event.CourseID = nil
	drafts = Match(event, rules, beneficiaries)
	if len(drafts) != 1 || drafts[0].RuleID != "global" {
		t.Fatalf("courseless event should match only unscoped rules, got %+v", drafts)
	}
}

func TestMatchNonRecurringOnlyFirstInstallment(t *testing.T) {
	rules := []models.CommissionRule{
		{ID: "once", BeneficiaryKind: models.BeneficiaryConsultant, Percentage: ptrF64(10), Recurring: false, Active: true},
	}
	beneficiaries := map[models.BeneficiaryKind]string{models.BeneficiaryConsultant: "consultant-9"}

	event := baseEvent()
	event.InstallmentIndex = 2
	if drafts := Match(event, rules, beneficiaries); len(drafts) != 0 {
		t.Errorf("non-recurring rule matched installment 2: %+v", drafts)
	}

	event.InstallmentIndex = 1
	if drafts := Match(event, rules, beneficiaries); len(drafts) != 1 {
		t.Errorf("non-recurring rule should match installment 1, got %+v", drafts)
	}
}

func TestMatchEligibleInstallments(t *testing.T) {
	rules := []models.CommissionRule{
		{ID: "r1", BeneficiaryKind: models.BeneficiaryConsultant, Percentage: ptrF64(10),
			Recurring: true, EligibleInstallments: []int64{1, 2, 3}, Active: true},
	}
	beneficiaries := map[models.BeneficiaryKind]string{models.BeneficiaryConsultant: "consultant-9"}

	event := baseEvent()
	event.InstallmentIndex = 4
	if drafts := Match(event, rules, beneficiaries); len(drafts) != 0 {
		t.Errorf("installment 4 outside eligible set matched: %+v", drafts)
	}

	event.InstallmentIndex = 3
	if drafts := Match(event, rules, beneficiaries); len(drafts) != 1 {
		t.Errorf("installment 3 inside eligible set should match, got %+v", drafts)
	}
}

func TestMatchSkipsRuleWithoutBeneficiary(t *testing.T) {
	rules := []models.CommissionRule{
		{ID: "pool-rule", BeneficiaryKind: models.BeneficiaryPool, Percentage: ptrF64(5), Recurring: true, Active: true},
		{ID: "consultant-rule", BeneficiaryKind: models.BeneficiaryConsultant, Percentage: ptrF64(10), Recurring: true, Active: true},
	}
	// Student has a consultant but no pool.
	beneficiaries := map[models.BeneficiaryKind]string{models.BeneficiaryConsultant: "consultant-9"}

	drafts := Match(baseEvent(), rules, beneficiaries)
	if len(drafts) != 1 || drafts[0].RuleID != "consultant-rule" {
		t.Fatalf("pool rule should be skipped without a pool beneficiary, got %+v", drafts)
	}
}

func TestMatchNoRulesReturnsEmpty(t *testing.T) {
	drafts := Match(baseEvent(), nil, map[models.BeneficiaryKind]string{})
	if len(drafts) != 0 {
		t.Errorf("want empty result for no rules, got %+v", drafts)
	}
}

func TestMatchSkipsInactiveRules(t *testing.T) {
	rules := []models.CommissionRule{
		{ID: "off", BeneficiaryKind: models.BeneficiaryConsultant, Percentage: ptrF64(10), Recurring: true, Active: false},
	}
	beneficiaries := map[models.BeneficiaryKind]string{models.BeneficiaryConsultant: "consultant-9"}
	if drafts := Match(baseEvent(), rules, beneficiaries); len(drafts) != 0 {
		t.Errorf("inactive rule matched: %+v", drafts)
	}
}

type stubResolver struct {
	byKind map[models.BeneficiaryKind]string
	err    error
}

func (s *stubResolver) Resolve(_ context.Context, _, _ string, kind models.BeneficiaryKind) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.byKind[kind], nil
}

func TestResolveBeneficiaries(t *testing.T) {
	rules := []models.CommissionRule{
		{BeneficiaryKind: models.BeneficiaryConsultant, Active: true},
		{BeneficiaryKind: models.BeneficiaryPool, Active: true},
		{BeneficiaryKind: models.BeneficiaryPool, Active: false},
	}
	resolver := &stubResolver{byKind: map[models.BeneficiaryKind]string{
		models.BeneficiaryConsultant: "consultant-9",
	}}

	got, err := ResolveBeneficiaries(context.Background(), resolver, baseEvent(), rules)
	if err != nil {
		t.Fatalf("ResolveBeneficiaries: %v", err)
	}
	if got[models.BeneficiaryConsultant] != "consultant-9" {
		t.Errorf("consultant = %q, want consultant-9", got[models.BeneficiaryConsultant])
	}
	if _, ok := got[models.BeneficiaryPool]; ok {
		t.Error("pool should be absent when the directory has no pool for the student")
	}
}

func TestResolveBeneficiariesDirectoryError(t *testing.T) {
	rules := []models.CommissionRule{{BeneficiaryKind: models.BeneficiaryConsultant, Active: true}}
	resolver := &stubResolver{err: errors.New("directory down")}

	if _, err := ResolveBeneficiaries(context.Background(), resolver, baseEvent(), rules); err == nil {
		t.Fatal("want error when the directory fails")
	}
}
