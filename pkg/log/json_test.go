// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewEmitter(t *testing.T) {
	for _, tc := range []struct {
		format string
		want   Emitter
	}{
		{format: "", want: GoogleEmitter{}},
		{format: "text", want: GoogleEmitter{}},
		{format: "json", want: JSONEmitter{}},
	} {
		t.Run(tc.format, func(t *testing.T) {
			e, err := NewEmitter(tc.format, &Writer{Next: &bytes.Buffer{}})
			if err != nil {
				t.Fatalf("NewEmitter(%q) failed: %v", tc.format, err)
			}
			switch tc.want.(type) {
			case GoogleEmitter:
				if _, ok := e.(GoogleEmitter); !ok {
					t.Errorf("NewEmitter(%q) got %T want GoogleEmitter", tc.format, e)
				}
			case JSONEmitter:
				if _, ok := e.(JSONEmitter); !ok {
					t.Errorf("NewEmitter(%q) got %T want JSONEmitter", tc.format, e)
				}
			}
		})
	}

	if _, err := NewEmitter("json-k8s", &Writer{Next: &bytes.Buffer{}}); err == nil || !strings.Contains(err.Error(), "invalid log format") {
		t.Errorf("NewEmitter(json-k8s) got %v want invalid log format error", err)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	ts := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	e.Emit(0, Warning, ts, "evicted frame %#x", 0x1000)

	if !strings.HasSuffix(buf.String(), "}\n") {
		t.Errorf("output %q is not a single line", buf.String())
	}
	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output %q is not JSON: %v", buf.String(), err)
	}
	if got.Msg != "evicted frame 0x1000" || got.Level != Warning || !got.Time.Equal(ts) {
		t.Errorf("JSON log got %+v", got)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller got %q want json_test.go:<line>", got.Caller)
	}
}

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"debug"`, want: Debug},
		{in: `1`, want: Info},
		{in: `"verbose"`, wantErr: true},
		{in: `3`, wantErr: true},
	} {
		var lv Level
		err := json.Unmarshal([]byte(tc.in), &lv)
		if (err != nil) != tc.wantErr {
			t.Errorf("Unmarshal(%s) got err %v want error %t", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && lv != tc.want {
			t.Errorf("Unmarshal(%s) got %v want %v", tc.in, lv, tc.want)
		}
	}

	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("Marshal of an invalid level succeeded")
	}
}
