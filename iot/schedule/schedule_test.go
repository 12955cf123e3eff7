package schedule

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedCompiler() *Compiler {
	return &Compiler{
		now:    func() time.Time { return time.Date(2024, 6, 1, 12, 30, 15, 500, time.UTC) },
		random: func() (string, error) { return "ABCDEFGHIJ012345", nil },
	}
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("2024-06-01 10:00:00+0300")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if s := got.Format(TimestampLayout); s != "2024-06-01 07:00:00+0000" {
		t.Fatalf("unexpected UTC representation %s", s)
	}

	// back to the original offset, the instant is preserved
	local := got.In(time.FixedZone("", 3*3600))
	if s := local.Format(TimestampLayout); s != "2024-06-01 10:00:00+0300" {
		t.Fatalf("round trip failed: %s", s)
	}

	got, err = ParseTimestamp("2024-12-31 23:30:00-0130")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	for _, bad := range []string{"", "2024-06-01", "2024-06-01T10:00:00+03:00", "2024-06-01 10:00:00", "01.06.2024 10:00:00+0300"} {
		if _, err := ParseTimestamp(bad); !errors.Is(err, ErrMalformedTimestamp) {
			t.Fatalf("%q: expected ErrMalformedTimestamp, got %v", bad, err)
		}
	}
}

func TestCompileOneShot(t *testing.T) {
	spec, err := fixedCompiler().Compile(Request{
		DeviceID:      "dev1",
		Topic:         "dev1/cmd",
		RepeatJob:     false,
		JobAction:     true,
		StartSelected: true,
		StartValue:    "2030-01-01 08:00:00+0000",
		EndSelected:   false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if spec.Kind != OneShot {
		t.Fatalf("expected one-shot, got %v", spec.Kind)
	}
	if !spec.Start.Equal(time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", spec.Start)
	}
	if spec.Payload != "1" {
		t.Fatalf("expected payload 1, got %q", spec.Payload)
	}
	if spec.JobID != "dev1ABCDEFGHIJ012345" {
		t.Fatalf("unexpected job id %s", spec.JobID)
	}
	if spec.End != nil || len(spec.Days) != 0 {
		t.Fatal("a one-shot job has neither end nor days")
	}
}

func TestCompileOneShotIgnoresEnd(t *testing.T) {
	spec, err := fixedCompiler().Compile(Request{
		DeviceID:    "dev1",
		Topic:       "dev1/cmd",
		JobAction:   false,
		StartValue:  "2030-01-01 08:00:00+0100",
		EndSelected: true,
		EndValue:    "2029-01-01 08:00:00+0100",
	})
	if err != nil {
		t.Fatal(err)
	}
	if spec.End != nil {
		t.Fatal("end must be ignored")
	}
	if spec.Payload != "0" {
		t.Fatalf("expected payload 0, got %q", spec.Payload)
	}
	if !spec.Start.Equal(time.Date(2030, 1, 1, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", spec.Start)
	}
}

func TestCompileWithoutStartUsesNow(t *testing.T) {
	spec, err := fixedCompiler().Compile(Request{DeviceID: "dev1", Topic: "dev1/cmd"})
	if err != nil {
		t.Fatal(err)
	}
	if !spec.Start.Equal(time.Date(2024, 6, 1, 12, 30, 15, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", spec.Start)
	}
}

func TestCompileRecurring(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want []DayToken
		str  string
	}{
		{"monday thursday", Request{Monday: true, Thursday: true}, []DayToken{0, 3}, "0,3"},
		{"sunday wednesday", Request{Sunday: true, Wednesday: true}, []DayToken{6, 2}, "6,2"},
		{"saturday", Request{Saturday: true}, []DayToken{5}, "5"},
		{"all", Request{Sunday: true, Monday: true, Tuesday: true, Wednesday: true, Thursday: true, Friday: true, Saturday: true},
			[]DayToken{6, 0, 1, 2, 3, 4, 5}, "6,0,1,2,3,4,5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.DeviceID, req.Topic, req.RepeatJob = "dev1", "dev1/cmd", true
			req.StartSelected, req.StartValue = true, "2024-06-01 10:00:00+0300"
			spec, err := fixedCompiler().Compile(req)
			if err != nil {
				t.Fatal(err)
			}
			if spec.Kind != Recurring {
				t.Fatalf("expected recurring, got %v", spec.Kind)
			}
			if len(spec.Days) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, spec.Days)
			}
			for i := range tt.want {
				if spec.Days[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, spec.Days)
				}
			}
			if spec.DayOfWeek() != tt.str {
				t.Fatalf("expected %s, got %s", tt.str, spec.DayOfWeek())
			}
			if spec.End != nil {
				t.Fatal("no end was selected")
			}
		})
	}
}

func TestCompileRecurringWithEnd(t *testing.T) {
	req := Request{
		DeviceID: "dev1", Topic: "dev1/cmd", RepeatJob: true, Friday: true,
		StartSelected: true, StartValue: "2024-06-01 10:00:00+0300",
		EndSelected: true, EndValue: "2024-07-01 10:00:00+0300",
	}
	spec, err := fixedCompiler().Compile(req)
	if err != nil {
		t.Fatal(err)
	}
	if spec.End == nil || !spec.End.Equal(time.Date(2024, 7, 1, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end %v", spec.End)
	}

	req.EndValue = "2024-05-01 10:00:00+0300"
	if _, err := fixedCompiler().Compile(req); !errors.Is(err, ErrEndBeforeStart) {
		t.Fatalf("expected ErrEndBeforeStart, got %v", err)
	}
}

func TestCompileErrors(t *testing.T) {
	c := fixedCompiler()
	_, err := c.Compile(Request{DeviceID: "dev1", Topic: "dev1/cmd", RepeatJob: true, StartValue: "2024-06-01 10:00:00+0300"})
	if !errors.Is(err, ErrNoDaysSelected) {
		t.Fatalf("expected ErrNoDaysSelected, got %v", err)
	}
	_, err = c.Compile(Request{DeviceID: "dev1", Topic: "dev1/cmd", StartSelected: true, StartValue: "tomorrow"})
	if !errors.Is(err, ErrMalformedTimestamp) {
		t.Fatalf("expected ErrMalformedTimestamp, got %v", err)
	}
	_, err = c.Compile(Request{DeviceID: "dev1", Topic: "dev1/cmd", StartValue: "2024-06-01 10:00:00+0300", EndSelected: true})
	if !errors.Is(err, ErrMalformedTimestamp) {
		t.Fatalf("a selected but empty end must be rejected, got %v", err)
	}
	if _, err := c.Compile(Request{Topic: "dev1/cmd"}); err == nil {
		t.Fatal("device id is required")
	}
}

func TestJobIDs(t *testing.T) {
	c := NewCompiler()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		spec, err := c.Compile(Request{DeviceID: "dev1", Topic: "dev1/cmd", StartValue: "2030-01-01 08:00:00+0000"})
		if err != nil {
			t.Fatal(err)
		}
		suffix := strings.TrimPrefix(spec.JobID, "dev1")
		if len(suffix) != JobIDSuffixLength || strings.ToUpper(suffix) != suffix {
			t.Fatalf("unexpected job id %s", spec.JobID)
		}
		seen[spec.JobID] = true
	}
	if len(seen) != 20 {
		t.Fatal("job ids repeat")
	}
}

func TestDayTokenWeekday(t *testing.T) {
	for w := time.Sunday; w <= time.Saturday; w++ {
		if got := TokenOf(w).Weekday(); got != w {
			t.Fatalf("%v: round trip yields %v", w, got)
		}
	}
	if TokenOf(time.Monday) != 0 || TokenOf(time.Sunday) != 6 {
		t.Fatal("tokens count from Monday")
	}
}
