package domain

import "testing"

func TestAggregate_Precedence(t *testing.T) {
	cases := []struct {
		name string
		in   []Status
		want Status
		ok   bool
	}{
		{"failed beats success", []Status{StatusFailed, StatusSuccess}, StatusFailed, true},
		{"running beats created", []Status{StatusRunning, StatusSuccess, StatusCreated}, StatusRunning, true},
		{"pending", []Status{StatusPending, StatusSuccess}, StatusPending, true},
		{"failed beats manual", []Status{StatusManual, StatusFailed}, StatusFailed, true},
		{"all created", []Status{StatusCreated, StatusCreated}, StatusCreated, true},
		{"all success", []Status{StatusSuccess, StatusSuccess}, StatusSuccess, true},
		{"manual", []Status{StatusSuccess, StatusManual}, StatusManual, true},
		{"success and canceled", []Status{StatusSuccess, StatusCanceled}, StatusUnknown, false},
		{"all canceled", []Status{StatusCanceled, StatusCanceled}, StatusUnknown, false},
		{"created and success", []Status{StatusCreated, StatusSuccess}, StatusUnknown, false},
		{"empty", nil, StatusUnknown, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Aggregate(tc.in)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("Aggregate(%v) = %q,%v; want %q,%v", tc.in, got, ok, tc.want, tc.ok)
			}

			rev := make([]Status, len(tc.in))
			for i, s := range tc.in {
				rev[len(tc.in)-1-i] = s
			}
			got, ok = Aggregate(rev)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("Aggregate(%v) reversed = %q,%v; want %q,%v", rev, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestParseStatus_Unknown(t *testing.T) {
	if got := ParseStatus("scheduled"); got != StatusUnknown {
		t.Errorf("expected unknown, got %q", got)
	}
	if got := ParseStatus("waiting_for_resource"); got != StatusWaitingForResource {
		t.Errorf("got %q", got)
	}
}

func TestCloneStages_Detached(t *testing.T) {
	in := []StageView{{Name: "build", Jobs: []Job{{ID: 1, Status: StatusRunning}}}}
	out := CloneStages(in)
	out[0].Jobs[0].Status = StatusFailed
	if in[0].Jobs[0].Status != StatusRunning {
		t.Fatal("clone shares job storage with source")
	}
}
