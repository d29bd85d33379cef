package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/nurture/internal/content"
	"github.com/mohammad-safakhou/nurture/internal/domain"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func samplePlan() *domain.MessagePlan {
	return &domain.MessagePlan{
		UserID:   "u1",
		PlanDate: "2025-03-10",
		Timezone: "America/Cuiaba",
		Priority: domain.PriorityHabit,
		Items: []domain.PlanItem{
			{ScheduledAt: "09:00", Type: domain.ItemCheckIn, TemplateID: "habit_morning", MessageText: "Bom dia"},
		},
		Rationale: map[string]string{"branch": "habit"},
	}
}

func TestInsertPlanCreated(t *testing.T) {
	st, mock := newMock(t)
	p := samplePlan()
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (user_id, plan_date) DO NOTHING`)).
		WithArgs(sqlmock.AnyArg(), "u1", "2025-03-10", "America/Cuiaba", "habit", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.InsertPlan(context.Background(), p))
	assert.NotEmpty(t, p.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPlanConflict(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO message_plans`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.InsertPlan(context.Background(), samplePlan())
	assert.True(t, errors.Is(err, domain.ErrPlanExists))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPlanRejectsBadDate(t *testing.T) {
	st, mock := newMock(t)
	p := samplePlan()
	p.PlanDate = "10/03/2025"
	err := st.InsertPlan(context.Background(), p)
	assert.True(t, errors.Is(err, domain.ErrInvalidPlanDate))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplacePlanKeepsExistingID(t *testing.T) {
	st, mock := newMock(t)
	p := samplePlan()
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (user_id, plan_date) DO UPDATE SET`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

	require.NoError(t, st.ReplacePlan(context.Background(), p))
	assert.Equal(t, "existing-id", p.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPlan(t *testing.T) {
	st, mock := newMock(t)
	created := time.Date(2025, 3, 9, 23, 15, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM message_plans WHERE user_id = $1 AND plan_date = $2`)).
		WithArgs("u1", "2025-03-10").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "plan_date", "timezone", "priority", "items", "rationale", "created_at"}).
			AddRow("p1", "u1", "2025-03-10", "America/Cuiaba", "alert",
				[]byte(`[{"scheduled_at":"14:00","type":"alert","template_id":"alert_midday","message_text":"CVV","rationale":"r","static":true}]`),
				[]byte(`{"branch":"alert"}`), created))

	p, ok, err := st.GetPlan(context.Background(), "u1", "2025-03-10")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.PriorityAlert, p.Priority)
	require.Len(t, p.Items, 1)
	assert.True(t, p.Items[0].Static)
	assert.Equal(t, "alert", p.Rationale["branch"])

	mock.ExpectQuery(regexp.QuoteMeta(`FROM message_plans`)).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, ok, err = st.GetPlan(context.Background(), "u2", "2025-03-10")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDeliveryConflict(t *testing.T) {
	st, mock := newMock(t)
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (plan_id, scheduled_at) DO NOTHING`)).
		WithArgs(sqlmock.AnyArg(), "p1", "u1", "push", at, "scheduled", "Bom dia", "r").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (plan_id, scheduled_at) DO NOTHING`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	d := &domain.DeliveryRecord{PlanID: "p1", UserID: "u1", ScheduledAt: at, MessageText: "Bom dia", Reason: "r"}
	require.NoError(t, st.InsertDelivery(context.Background(), d))
	assert.Equal(t, domain.DeliveryScheduled, d.Status)

	err := st.InsertDelivery(context.Background(), &domain.DeliveryRecord{PlanID: "p1", UserID: "u1", ScheduledAt: at})
	assert.True(t, errors.Is(err, domain.ErrDeliveryExists))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountActiveDeliveries(t *testing.T) {
	st, mock := newMock(t)
	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`status IN ('scheduled','sent')`)).
		WithArgs("u1", "push", from, from.Add(24*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := st.CountActiveDeliveries(context.Background(), "u1", "push", from, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTransitionsOnlyFromScheduled(t *testing.T) {
	st, mock := newMock(t)
	at := time.Date(2025, 3, 10, 9, 0, 5, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'sent', sent_at = $2 WHERE id = $1 AND status = 'scheduled'`)).
		WithArgs("d1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'failed', feedback = $2`)).
		WithArgs("d1", "DeviceNotRegistered").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.MarkSent(context.Background(), "d1", at))
	assert.Error(t, st.MarkFailed(context.Background(), "d1", "DeviceNotRegistered"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProfileNotFound(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM user_profiles WHERE id = $1`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetProfile(context.Background(), "ghost")
	assert.True(t, errors.Is(err, domain.ErrProfileNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAlert(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO alert_history`)).
		WithArgs(sqlmock.AnyArg(), "u1", "harm_thoughts", 10, "tags detected: harm_thoughts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.InsertAlert(context.Background(), domain.Alert{
		UserID: "u1", AlertType: "harm_thoughts", Severity: 10, TriggerReason: "tags detected: harm_thoughts",
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCatalogItem(t *testing.T) {
	st, mock := newMock(t)
	it := content.Item{ID: "rede", Title: "Rede de apoio", Tags: []string{"tag_lonely"}}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO content_catalog`)).
		WithArgs("rede", "Rede de apoio", "", "", "", pq.Array(it.Tags)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.UpsertCatalogItem(context.Background(), it))
	require.NoError(t, mock.ExpectationsWereMet())
}
