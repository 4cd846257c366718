package job

import "testing"

func TestIsUrgent(t *testing.T) {
	j := &Job{Priority: 0}
	if !j.IsUrgent() {
		t.Fatal("priority 0 should be urgent")
	}
	j.Priority = UrgentThreshold
	if j.IsUrgent() {
		t.Fatal("priority == threshold should not be urgent")
	}
	j.Priority = UrgentThreshold - 1
	if !j.IsUrgent() {
		t.Fatal("priority just under threshold should be urgent")
	}
}

func TestCheckTransitionLegal(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{Ready, Reserved, true},
		{Reserved, Ready, true},
		{Reserved, Delayed, true},
		{Reserved, Buried, true},
		{Delayed, Ready, true},
		{Buried, Ready, true},
		{Ready, Delayed, false},
		{Ready, Buried, false},
		{Delayed, Buried, false},
		{Delayed, Reserved, false},
		{Buried, Reserved, false},
		{Buried, Delayed, false},
		{Ready, Invalid, true},
		{Reserved, Invalid, true},
	}
	for _, c := range cases {
		err := CheckTransition(1, c.from, c.to)
		if c.ok && err != nil {
			t.Errorf("%s -> %s: expected legal, got %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s -> %s: expected illegal, got nil", c.from, c.to)
		}
	}
}

func TestStateString(t *testing.T) {
	if Ready.String() != "ready" || Reserved.String() != "reserved" ||
		Delayed.String() != "delayed" || Buried.String() != "buried" ||
		Invalid.String() != "invalid" {
		t.Fatal("unexpected state string mapping")
	}
}
