package msc

import (
	"strings"
	"testing"
)

func senseBuffer(key SenseKey, asc, ascq uint8) []byte {
	buf := make([]byte, SenseDataSize)
	sd := SenseData{ResponseCode: 0x70, Key: key, ASC: asc, ASCQ: ascq}
	sd.MarshalTo(buf)
	return buf
}

func TestInterpretSense(t *testing.T) {
	tests := []struct {
		name        string
		sense       []byte
		wantState   DeviceState
		wantChanged bool
	}{
		{"no sense", senseBuffer(SenseNoSense, 0, 0), StateReady, true},
		{"becoming ready", senseBuffer(SenseUnitAttention, ASCMediumMayChange, 0), StateNotReady, true},
		{"not ready", senseBuffer(SenseNotReady, ASCNotReady, 1), StateNotReady, true},
		{"no media", senseBuffer(SenseNotReady, ASCMediumNotPresent, 0), StateNoMedia, true},
		{"lun not supported", senseBuffer(SenseIllegalRequest, ASCLUNNotSupported, 0), StateUnknown, false},
		{"unhandled", senseBuffer(SenseMediumError, 0x11, 0), StateUnknown, false},
		{"truncated", []byte{0x70, 0, 0}, StateUnknown, false},
		{"nil", nil, StateUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := InterpretSense(tt.sense)
			if v.Changed != tt.wantChanged {
				t.Fatalf("Changed = %v, want %v", v.Changed, tt.wantChanged)
			}
			if v.Changed && v.State != tt.wantState {
				t.Errorf("State = %v, want %v", v.State, tt.wantState)
			}
			if !v.Changed && v.Diagnostic == "" {
				t.Error("Diagnostic is empty for unchanged verdict")
			}
		})
	}
}

func TestInterpretSense_KeyZeroAlwaysReady(t *testing.T) {
	for asc := 0; asc < 256; asc++ {
		buf := senseBuffer(SenseNoSense, uint8(asc), 0xFF)
		buf[2] |= 0xE0 // filemark, EOM, ILI
		if v := InterpretSense(buf); !v.Changed || v.State != StateReady {
			t.Fatalf("InterpretSense(key 0, asc %#x) = %+v, want Ready", asc, v)
		}
	}
}

func TestInterpretSense_MediumNotPresent(t *testing.T) {
	for key := SenseRecoveredError; key <= SenseMiscompare; key++ {
		for _, fill := range []byte{0x00, 0xFF} {
			buf := make([]byte, SenseDataSize)
			for i := range buf {
				buf[i] = fill
			}
			buf[2] = uint8(key)
			buf[12] = ASCMediumNotPresent
			if v := InterpretSense(buf); !v.Changed || v.State != StateNoMedia {
				t.Fatalf("InterpretSense(key %v, fill %#x) = %+v, want NoMedia", key, fill, v)
			}
		}
	}
}

func TestInterpretSense_Total(t *testing.T) {
	for n := 0; n <= SenseDataSize; n++ {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = byte(i * 37)
		}
		_ = InterpretSense(buf)
	}
}

func TestVerdict_Apply(t *testing.T) {
	changed := Verdict{State: StateNoMedia, Changed: true}
	if got := changed.Apply(StateReady); got != StateNoMedia {
		t.Errorf("Apply() = %v, want %v", got, StateNoMedia)
	}
	kept := Verdict{Diagnostic: "x"}
	if got := kept.Apply(StateReady); got != StateReady {
		t.Errorf("Apply() = %v, want %v", got, StateReady)
	}
}

func TestSenseKey_String(t *testing.T) {
	tests := []struct {
		key  SenseKey
		want string
	}{
		{SenseNoSense, "no sense"},
		{SenseNotReady, "not ready"},
		{SenseUnitAttention, "unit attention"},
		{SenseMiscompare, "miscompare"},
		{0x0F, "reserved(0x0f)"},
	}

	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("SenseKey(%d).String() = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestSenseData_Description(t *testing.T) {
	tests := []struct {
		asc, ascq uint8
		want      string
	}{
		{0x3A, 0x00, "Medium not present"},
		{0x04, 0x01, "Logical unit in process of becoming ready"},
		{0x3A, 0x02, "Medium not present"},
		{0xEE, 0x01, "asc 0xee ascq 0x01"},
	}

	for _, tt := range tests {
		sd := SenseData{ASC: tt.asc, ASCQ: tt.ascq}
		if got := sd.Description(); got != tt.want {
			t.Errorf("Description(%#x/%#x) = %q, want %q", tt.asc, tt.ascq, got, tt.want)
		}
	}
}

func TestParseSenseData(t *testing.T) {
	var sd SenseData
	if !ParseSenseData(senseBuffer(SenseMediumError, 0x11, 0x01), &sd) {
		t.Fatal("ParseSenseData() = false")
	}
	if sd.Key != SenseMediumError || sd.ASC != 0x11 || sd.ASCQ != 0x01 {
		t.Errorf("ParseSenseData() = %+v", sd)
	}
	if !strings.Contains(sd.String(), "Read retries exhausted") {
		t.Errorf("String() = %q, want description", sd.String())
	}
	if ParseSenseData(make([]byte, 13), &sd) {
		t.Error("ParseSenseData(13 bytes) = true, want false")
	}
}
