package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingArtifacts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		u    User
		want []string
	}{
		{
			name: "all verified without liability",
			u:    User{Verification: Artifacts{IDCard: StatusVerified, Address: StatusVerified, Insurance: StatusMissing}},
			want: nil,
		},
		{
			name: "insurance required with liability",
			u:    User{PublicLiability: true, Verification: Artifacts{IDCard: StatusVerified, Address: StatusVerified, Insurance: StatusPending}},
			want: []string{"insurance"},
		},
		{
			name: "pending counts as missing",
			u:    User{Verification: Artifacts{IDCard: StatusPending, Address: StatusMissing}},
			want: []string{"id_card", "address"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.u.MissingArtifacts())
		})
	}
}

func TestRecordReminderSent(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var u User
	u.RecordReminderSent(TierWeekly, now)
	require.Equal(t, 1, u.Reminders.WeeklySent)
	require.Equal(t, 0, u.Reminders.MonthlySent)
	require.NotNil(t, u.Reminders.LastSentAt)
	assert.True(t, u.Reminders.LastSentAt.Equal(now))

	later := now.Add(40 * 24 * time.Hour)
	u.RecordReminderSent(TierMonthly, later)
	assert.Equal(t, 1, u.Reminders.WeeklySent)
	assert.Equal(t, 1, u.Reminders.MonthlySent)
	assert.True(t, u.Reminders.LastSentAt.Equal(later))

	u.RecordReminderSent(TierNone, later.Add(time.Hour))
	assert.True(t, u.Reminders.LastSentAt.Equal(later), "unknown tier must not touch tracking")
}

func TestCartMarkNotified(t *testing.T) {
	t.Parallel()
	mut := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	now := mut.Add(25 * time.Hour)
	c := Cart{ID: "c1", LastMutatedAt: mut, Items: []CartItem{{Quantity: 2}}}
	c.MarkNotified(now)

	require.NotNil(t, c.Abandoned.LastNotifiedForMutationAt)
	assert.True(t, c.Abandoned.LastNotifiedForMutationAt.Equal(mut))
	assert.True(t, c.Abandoned.LastNotifiedAt.Equal(now))

	// later mutation must not alias the recorded timestamp
	c.LastMutatedAt = mut.Add(time.Hour)
	assert.True(t, c.Abandoned.LastNotifiedForMutationAt.Equal(mut))
	assert.Equal(t, 2, c.ItemCount())
}

func TestSenderIdentityRedacted(t *testing.T) {
	t.Parallel()
	id := SenderIdentity{FromEmail: "a@b.c", Password: "secret"}
	assert.Equal(t, "***", id.Redacted().Password)
	assert.Equal(t, "secret", id.Password)
	assert.True(t, id.Usable())
	assert.False(t, SenderIdentity{}.Usable())
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StatusVerified, ParseStatus(" Verified "))
	assert.Equal(t, StatusPending, ParseStatus("pending"))
	assert.Equal(t, StatusMissing, ParseStatus("rejected"))
}
