package keypool

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timestampLayout matches the site log timestamp, e.g.
// 2025-07-01T10:00:00.123456+0000. Fractional seconds are optional up to
// microsecond precision; the offset carries no colon.
const timestampLayout = "2006-01-02T15:04:05.999999-0700"

var (
	reKeyIdentity = regexp.MustCompile(`identity = '([a-f0-9-]{36})'`)
	reSequence    = regexp.MustCompile(`sequence number (\d+)`)
	reSourceSite  = regexp.MustCompile(`Source site identity = '(\d+)'`)
	reDestSite    = regexp.MustCompile(`Destination site identity = '(\d+)'`)
	reKeyPoolType = regexp.MustCompile(`KeyPoolType name = '(PUBLIC|PRIVATE|SHARED)'`)
	reLatencyMS   = regexp.MustCompile(`MS=(\d+)`)
	reBits        = regexp.MustCompile(`BITS=(\d+)`)
	reKeys        = regexp.MustCompile(`KEYS=(\d+)`)
	reLocalSite   = regexp.MustCompile(`SiteId: (\d+)`)
	reRemoteSite  = regexp.MustCompile(`remote site (\d+)`)
)

// LineError is the decode failure for a single log line.
type LineError struct {
	Line    int
	Reason  string
	Content string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Result is the outcome of parsing one log unit. TotalLines counts
// non-empty lines; every counted line lands either in Events or in
// Failures, in file order.
type Result struct {
	Events     []Event
	Failures   []*LineError
	TotalLines int
	Counts     Counts
}

// MalformedRatio returns the fraction of counted lines that failed to
// decode. An empty unit has ratio 0.
func (r *Result) MalformedRatio() float64 {
	if r.TotalLines == 0 {
		return 0
	}
	return float64(len(r.Failures)) / float64(r.TotalLines)
}

// Parse decodes a site key-distribution log. Blank lines are skipped
// without being counted. The caller decides whether the malformed ratio
// rejects the whole unit.
func Parse(payload []byte) (*Result, error) {
	res := &Result{}

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		res.TotalLines++

		ev, lerr := parseLine(lineNo, line)
		if lerr != nil {
			res.Failures = append(res.Failures, lerr)
			continue
		}
		res.Events = append(res.Events, *ev)
		switch ev.Type {
		case EventKeyCreation:
			res.Counts.KeyCreations++
		case EventSyncLatency:
			res.Counts.SyncLatency++
		case EventKeyCount:
			res.Counts.KeyCounts++
		case EventControllerSync:
			res.Counts.ControllerSyncs++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log payload: %w", err)
	}

	return res, nil
}

// parseLine decodes one line into exactly one event variant or one
// LineError.
func parseLine(n int, line string) (*Event, *LineError) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, lineError(n, line, "too few fields")
	}

	ts, err := time.Parse(timestampLayout, fields[0])
	if err != nil {
		return nil, lineError(n, line, "invalid timestamp "+strconv.Quote(fields[0]))
	}
	ts = ts.UTC()

	switch {
	case strings.Contains(line, "createKey") && strings.Contains(line, "sequence number"):
		return parseKeyCreation(n, line, ts)
	case strings.Contains(line, "METRIC_KEY_SYNC_LATENCY"):
		return parseSyncLatency(n, line, ts)
	case strings.Contains(line, "METRIC_RECEIVED_PUBLIC_KEY_COUNT"):
		return parseKeyCount(n, line, ts)
	case strings.Contains(line, "KeyPoolController") && strings.Contains(line, "remote site"):
		return parseControllerSync(n, line, ts)
	}
	return nil, lineError(n, line, "matches no known grammar")
}

func parseKeyCreation(n int, line string, ts time.Time) (*Event, *LineError) {
	identity := reKeyIdentity.FindStringSubmatch(line)
	if identity == nil {
		return nil, lineError(n, line, "createKey line missing key identity")
	}
	if _, err := uuid.Parse(identity[1]); err != nil {
		return nil, lineError(n, line, "key identity is not a valid UUID")
	}

	seq := reSequence.FindStringSubmatch(line)
	if seq == nil {
		return nil, lineError(n, line, "createKey line missing sequence number")
	}
	seqNum, err := strconv.ParseUint(seq[1], 10, 63)
	if err != nil {
		return nil, lineError(n, line, "sequence number out of range")
	}

	source := reSourceSite.FindStringSubmatch(line)
	dest := reDestSite.FindStringSubmatch(line)
	poolType := reKeyPoolType.FindStringSubmatch(line)
	if source == nil || dest == nil || poolType == nil {
		return nil, lineError(n, line, "createKey line missing pool attributes")
	}
	sourceID, err := strconv.Atoi(source[1])
	if err != nil {
		return nil, lineError(n, line, "source site out of range")
	}
	destID, err := strconv.Atoi(dest[1])
	if err != nil {
		return nil, lineError(n, line, "destination site out of range")
	}

	return &Event{
		Type:      EventKeyCreation,
		Line:      n,
		Timestamp: ts,
		KeyCreation: &KeyCreation{
			KeyIdentity:       identity[1],
			SequenceNumber:    int64(seqNum),
			SourceSiteID:      sourceID,
			DestinationSiteID: destID,
			KeyPoolType:       poolType[1],
		},
	}, nil
}

func parseSyncLatency(n int, line string, ts time.Time) (*Event, *LineError) {
	ms := reLatencyMS.FindStringSubmatch(line)
	if ms == nil {
		return nil, lineError(n, line, "latency line missing MS value")
	}
	latency, err := strconv.ParseUint(ms[1], 10, 63)
	if err != nil {
		return nil, lineError(n, line, "latency out of range")
	}

	return &Event{
		Type:        EventSyncLatency,
		Line:        n,
		Timestamp:   ts,
		SyncLatency: &SyncLatency{LatencyMS: int64(latency)},
	}, nil
}

func parseKeyCount(n int, line string, ts time.Time) (*Event, *LineError) {
	bits := reBits.FindStringSubmatch(line)
	keys := reKeys.FindStringSubmatch(line)
	if bits == nil || keys == nil {
		return nil, lineError(n, line, "key count line missing BITS or KEYS value")
	}
	bitsVal, err := strconv.ParseUint(bits[1], 10, 63)
	if err != nil {
		return nil, lineError(n, line, "bits out of range")
	}
	keysVal, err := strconv.ParseUint(keys[1], 10, 63)
	if err != nil {
		return nil, lineError(n, line, "key count out of range")
	}

	return &Event{
		Type:      EventKeyCount,
		Line:      n,
		Timestamp: ts,
		KeyCount:  &KeyCount{Bits: int64(bitsVal), KeysCount: int64(keysVal)},
	}, nil
}

func parseControllerSync(n int, line string, ts time.Time) (*Event, *LineError) {
	local := reLocalSite.FindStringSubmatch(line)
	remote := reRemoteSite.FindStringSubmatch(line)
	if local == nil || remote == nil {
		return nil, lineError(n, line, "controller sync line missing site identities")
	}
	localID, err := strconv.Atoi(local[1])
	if err != nil {
		return nil, lineError(n, line, "local site out of range")
	}
	remoteID, err := strconv.Atoi(remote[1])
	if err != nil {
		return nil, lineError(n, line, "remote site out of range")
	}

	return &Event{
		Type:           EventControllerSync,
		Line:           n,
		Timestamp:      ts,
		ControllerSync: &ControllerSync{LocalSiteID: localID, RemoteSiteID: remoteID},
	}, nil
}

func lineError(n int, line, reason string) *LineError {
	const maxContent = 160
	if len(line) > maxContent {
		line = line[:maxContent]
	}
	return &LineError{Line: n, Reason: reason, Content: line}
}
