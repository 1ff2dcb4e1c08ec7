package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/capture"
)

const speedEDS = `[1A00]
ParameterName=TPDO 1 mapping parameter
ObjectType=0x9
SubNumber=2

[1A00sub0]
ParameterName=Number of mapped objects
DataType=0x0005
AccessType=rw
DefaultValue=1

[1A00sub1]
ParameterName=Mapping 1
DataType=0x0007
AccessType=rw
DefaultValue=0x60010010

[6001]
ParameterName=Speed
DataType=0x0003
AccessType=ro
PDOMapping=1
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeCapture(t *testing.T, frames ...can.Frame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.cbor")
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := capture.NewWriter(out)
	for _, f := range frames {
		if err := w.Write(f, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	w.Flush()
	out.Close()
	return path
}

func TestCanopenMonitor(t *testing.T) {
	eds := writeFile(t, "node.eds", speedEDS)
	tpdo, _ := can.New(0x185, []byte{0x18, 0xFC})
	other, _ := can.New(0x186, []byte{0x01, 0x00})
	hb, _ := can.New(0x705, []byte{0x05})
	path := writeCapture(t, tpdo, other, hb)

	out, err := execute(t, context.Background(), "canopen", "monitor", "file://"+path+"?realtime=false", "-n", "5", "-f", eds, "--tick-rate", "1h")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "node 5 on file://") || !strings.Contains(out, "operational") {
		t.Errorf("header:\n%s", out)
	}
	var row string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "6001.00") {
			row = line
		}
	}
	if row == "" {
		t.Fatalf("no row for 6001.00:\n%s", out)
	}
	for _, want := range []string{"Speed", "-1000", "int16", "T1"} {
		if !strings.Contains(row, want) {
			t.Errorf("row %q lacks %q", row, want)
		}
	}
}

func TestCanopenMonitor_ConfigErrors(t *testing.T) {
	eds := writeFile(t, "node.eds", speedEDS)
	bad := writeFile(t, "bad.eds", "[6001]\nParameterName=Speed\nDataType=0x0003\nAccessType=xx\n")
	tests := [][]string{
		{"canopen", "monitor", "loop://x", "-f", eds},
		{"canopen", "monitor", "loop://x", "-n", "5"},
		{"canopen", "monitor", "loop://x", "-n", "0", "-f", eds},
		{"canopen", "monitor", "loop://x", "-n", "200", "-f", eds},
		{"canopen", "monitor", "loop://x", "-n", "5", "-f", filepath.Join(t.TempDir(), "missing.eds")},
		{"canopen", "monitor", "loop://x", "-n", "5", "-f", bad},
		{"canopen", "monitor", "loop://x", "-n", "five", "-f", eds},
		{"canopen", "monitor", "cli-bad?colour=red", "-n", "5", "-f", eds},
	}
	for _, argv := range tests {
		_, err := execute(t, context.Background(), argv...)
		if got := exitCode(err); got != exitConfig {
			t.Errorf("%v: exit %d (%v), want %d", argv, got, err, exitConfig)
		}
	}
}
