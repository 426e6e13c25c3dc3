package publish

import (
	"math"
	"testing"

	"github.com/psychfeed/psychfeed/internal/bulletin"
	"github.com/psychfeed/psychfeed/internal/config"
	"github.com/psychfeed/psychfeed/internal/counters"
	"github.com/psychfeed/psychfeed/internal/omm"
	"github.com/psychfeed/psychfeed/internal/provider"
	"github.com/psychfeed/psychfeed/internal/testutil"
)

func sessionConfig(name string) config.SessionConfig {
	return config.SessionConfig{
		SessionName:    name,
		ConnectionName: name + "-conn",
		PublisherName:  "psychfeed",
		Servers:        []string{"ads1.example.com"},
		DefaultPort:    14003,
		ApplicationID:  "256",
		UserName:       "feedsvc",
		Position:       "127.0.0.1/net",
	}
}

func testResource() config.Resource {
	return config.Resource{
		Name:            "mpsych-minutely",
		Source:          "MarketPsych",
		URL:             "http://feed.example.com/minutely.txt",
		EntitlementCode: 42,
		Fields:          map[string]int32{"Buzz": 7001},
		Items: map[string]config.Item{
			"1679": {RIC: "MP.1679", Topic: "psych/1679"},
		},
	}
}

// newPipeline wires a stub provider with one logged-in session and a query
// vector over the given resources.
func newPipeline(t *testing.T, resources []config.Resource, dacsID uint32) (*Mapper, *testutil.StubWire, *provider.Provider, *counters.Collector) {
	t.Helper()
	wire := testutil.NewStubWire()
	events := omm.NewEventQueue("test-events", 16)
	coll := counters.New([]string{"sess1"})

	prov, err := provider.New(provider.Config{
		ServiceName: "PSYCH",
		VendorName:  "psychfeed",
		MonitorName: "psychfeed-monitor",
		Sessions:    []config.SessionConfig{sessionConfig("sess1")},
	}, wire, events, coll)
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	t.Cleanup(prov.Close)

	qv := NewQueryVector(resources, prov)
	m := NewMapper(qv, prov, coll, "PSYCH", dacsID)

	// Log the session in directly through the event handler so tokens exist.
	prov.HandleEvent(omm.Event{
		Type:        omm.EventLoginStatus,
		SessionName: "sess1",
		Stream:      omm.StreamOpen,
		Data:        omm.DataOk,
	})
	return m, wire, prov, coll
}

func parsed(t *testing.T, body string) *bulletin.Table {
	t.Helper()
	table, err := bulletin.Parse("http://feed.example.com/minutely.txt", []byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return table
}

const happyBody = "# MarketPsych Engine Version 3.2 | 2024-01-02 00:00:00 UTC - 2024-01-02 00:01:00 UTC\n" +
	"Sector\tBuzz\n" +
	"1679\t0.123456\n"

func TestPublishTable_HappyPath(t *testing.T) {
	res := testResource()
	m, wire, _, _ := newPipeline(t, []config.Resource{res}, 0)

	result := m.PublishTable(&res, parsed(t, happyBody))
	if result.RowsPublished != 1 || result.MsgsSent != 1 {
		t.Fatalf("result: %+v", result)
	}

	h := wire.Handle("sess1")
	if h.RefreshCount() != 1 {
		t.Fatalf("refreshes: got %d", h.RefreshCount())
	}
	msg := h.RefreshAt(0).Msg
	if msg.ItemName != "MP.1679" || msg.ServiceName != "PSYCH" {
		t.Fatalf("msg identity: %+v", msg)
	}
	if !msg.Unsolicited || !msg.Complete || msg.Stream != omm.StreamOpen || msg.Data != omm.DataOk {
		t.Fatalf("msg status: %+v", msg)
	}
	if msg.PermissionData != nil {
		t.Fatalf("no dacs id configured, lock must be absent")
	}

	want := []omm.FieldEntry{
		omm.ASCIIField(omm.FIDStockRIC, "MP.1679"),
		omm.RMTESField(omm.FIDSFName, "MarketPsych"),
		omm.RMTESField(omm.FIDEngineVer, "3.2"),
		omm.RMTESField(omm.FIDTimestamp, "2024-01-02 00:01:00.000"),
		omm.RealField(7001, 123456, -6),
	}
	if len(msg.Fields) != len(want) {
		t.Fatalf("fields: got %d, want %d: %+v", len(msg.Fields), len(want), msg.Fields)
	}
	for i := range want {
		if msg.Fields[i] != want[i] {
			t.Fatalf("field %d: got %+v, want %+v", i, msg.Fields[i], want[i])
		}
	}
}

func TestPublishTable_NaNBecomesBlank(t *testing.T) {
	res := testResource()
	m, wire, _, _ := newPipeline(t, []config.Resource{res}, 0)

	body := "# MarketPsych Engine Version 3.2 | 2024-01-02 00:00:00 UTC - 2024-01-02 00:01:00 UTC\n" +
		"Sector\tBuzz\n" +
		"1679\tnan\n"
	m.PublishTable(&res, parsed(t, body))

	msg := wire.Handle("sess1").RefreshAt(0).Msg
	last := msg.Fields[len(msg.Fields)-1]
	if last.FID != 7001 || !last.Blank || last.Kind != omm.KindReal64 {
		t.Fatalf("NaN cell: got %+v", last)
	}
}

func TestPublishTable_UnknownColumnSkipped(t *testing.T) {
	res := testResource()
	m, wire, _, _ := newPipeline(t, []config.Resource{res}, 0)

	body := "# MarketPsych Engine Version 3.2 | 2024-01-02 00:00:00 UTC - 2024-01-02 00:01:00 UTC\n" +
		"Sector\tBuzz\tUnknown\n" +
		"1679\t0.1\t0.2\n"
	m.PublishTable(&res, parsed(t, body))

	msg := wire.Handle("sess1").RefreshAt(0).Msg
	numeric := 0
	for _, f := range msg.Fields {
		if f.Kind == omm.KindReal64 {
			numeric++
			if f.FID != 7001 || f.Mantissa != 100000 {
				t.Fatalf("numeric field: %+v", f)
			}
		}
	}
	if numeric != 1 {
		t.Fatalf("numeric fields: got %d, want 1", numeric)
	}
}

func TestPublishTable_UnmappedRowSkipped(t *testing.T) {
	res := testResource()
	m, wire, _, coll := newPipeline(t, []config.Resource{res}, 0)

	body := "# MarketPsych Engine Version 3.2 | 2024-01-02 00:00:00 UTC - 2024-01-02 00:01:00 UTC\n" +
		"Sector\tBuzz\n" +
		"9999\t0.5\n"
	result := m.PublishTable(&res, parsed(t, body))
	if result.RowsPublished != 0 || result.RowsSkipped != 1 {
		t.Fatalf("result: %+v", result)
	}
	if wire.Handle("sess1").RefreshCount() != 0 {
		t.Fatalf("no refresh expected")
	}
	if snap := coll.Snapshot(); snap.RowsSkipped != 1 {
		t.Fatalf("rows_skipped: got %d", snap.RowsSkipped)
	}
}

func TestPublishTable_LockAttached(t *testing.T) {
	res := testResource()
	m, wire, _, _ := newPipeline(t, []config.Resource{res}, 7)

	m.PublishTable(&res, parsed(t, happyBody))
	msg := wire.Handle("sess1").RefreshAt(0).Msg
	if len(msg.PermissionData) == 0 {
		t.Fatalf("permission lock expected when dacs_id is set")
	}
}

func TestPublishTable_MutedSessionDrops(t *testing.T) {
	res := testResource()
	m, wire, prov, _ := newPipeline(t, []config.Resource{res}, 0)

	prov.HandleEvent(omm.Event{
		Type:        omm.EventLoginStatus,
		SessionName: "sess1",
		Stream:      omm.StreamOpen,
		Data:        omm.DataSuspect,
	})
	result := m.PublishTable(&res, parsed(t, happyBody))
	if result.MsgsSent != 0 {
		t.Fatalf("muted session must drop, sent %d", result.MsgsSent)
	}
	if wire.Handle("sess1").RefreshCount() != 0 {
		t.Fatalf("muted session must not submit")
	}
	// The row still counts as published: mapping succeeded, fan-out was muted.
	if result.RowsPublished != 1 {
		t.Fatalf("result: %+v", result)
	}
}

func TestQueryVector_SharedStreamAcrossResources(t *testing.T) {
	resA := testResource()
	resB := testResource()
	resB.Name = "mpsych-hourly"
	resB.URL = "http://feed.example.com/hourly.txt"
	resB.Items = map[string]config.Item{
		"2000": {RIC: "MP.1679", Topic: "psych/2000"},
	}

	_, _, prov, _ := newPipeline(t, []config.Resource{resA, resB}, 0)
	if prov.StreamCount() != 1 {
		t.Fatalf("duplicate ric across resources must share one stream, got %d", prov.StreamCount())
	}
}

func TestMantissa_RoundHalfUp(t *testing.T) {
	if got := bulletin.Mantissa(0.123456); got != 123456 {
		t.Fatalf("Mantissa(0.123456): got %d", got)
	}
	if got := bulletin.Mantissa(-0.123456); got != -123456 {
		t.Fatalf("Mantissa(-0.123456): got %d", got)
	}
	// Halves round toward +infinity on the already-scaled value.
	if got := bulletin.RoundHalfUp(0.5); got != 1 {
		t.Fatalf("RoundHalfUp(0.5): got %v", got)
	}
	if got := bulletin.RoundHalfUp(-0.5); got != 0 {
		t.Fatalf("RoundHalfUp(-0.5): got %v", got)
	}
	if got := bulletin.RoundHalfUp(-1.5); got != -1 {
		t.Fatalf("RoundHalfUp(-1.5): got %v", got)
	}
	if bulletin.Mantissa(math.Inf(1)) != math.MaxInt64 {
		t.Fatalf("positive infinity must saturate")
	}
}
