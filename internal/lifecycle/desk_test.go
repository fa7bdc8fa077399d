package lifecycle

import (
	"testing"

	"qms/mpp-desk/internal/models"

	"github.com/stretchr/testify/require"
)

func TestButtons(t *testing.T) {
	cases := []struct {
		name    string
		tickets []models.Ticket
		want    Buttons
	}{
		{"waiting only", []models.Ticket{ticket("1", 1, models.StatusWaiting)}, Buttons{Call: true}},
		{"called", []models.Ticket{ticket("1", 1, models.StatusCalled), ticket("2", 2, models.StatusWaiting)}, Buttons{Call: true, Serve: true, Cancel: true, CallNext: true}},
		{"called without waiting", []models.Ticket{ticket("1", 1, models.StatusCalled)}, Buttons{Call: true, Serve: true, Cancel: true, CallNext: true}},
		{"served", []models.Ticket{ticket("1", 1, models.StatusServed), ticket("2", 2, models.StatusWaiting)}, Buttons{Complete: true, Cancel: true}},
		{"after completion", []models.Ticket{ticket("1", 1, models.StatusDone), ticket("2", 2, models.StatusWaiting)}, Buttons{CallNext: true}},
		{"idle", []models.Ticket{ticket("1", 1, models.StatusDone)}, Buttons{}},
		{"empty", nil, Buttons{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NewDesk(counter.ID, tc.tickets).Buttons())
		})
	}
}

func TestNewDeskFiltersCounter(t *testing.T) {
	other := ticket("9", 1, models.StatusWaiting)
	other.CounterID = "c2"
	desk := NewDesk(counter.ID, []models.Ticket{
		ticket("3", 3, models.StatusWaiting),
		other,
		ticket("1", 1, models.StatusWaiting),
	})
	waiting := desk.Waiting()
	require.Len(t, waiting, 2)
	require.Equal(t, models.ID("1"), waiting[0].ID)
	require.Equal(t, models.ID("3"), waiting[1].ID)
	_, ok := desk.Find("9")
	require.False(t, ok)
}
