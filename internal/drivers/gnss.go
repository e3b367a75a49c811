package drivers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tracker-service/internal/logger"
	"tracker-service/internal/types"
)

const nmeaReadTimeout = 2 * time.Second

// GnssReceiver drives the GNSS engine embedded in the modem. Position
// data arrives as NMEA sentences on the shared serial link; every read
// goes through the transport guard so it can never collide with a modem
// command.
type GnssReceiver struct {
	bus Exchanger
	log *logger.Logger

	mu      sync.Mutex
	powered bool
	lastFix types.FixData
}

func NewGnssReceiver(bus Exchanger, log *logger.Logger) *GnssReceiver {
	return &GnssReceiver{bus: bus, log: log.WithTag("GPS")}
}

// Init powers the GNSS engine and enables the NMEA stream.
func (g *GnssReceiver) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := sendAT(g.bus, "AT+CGNSSPWR=1", atLongTimeout); err != nil {
		return fmt.Errorf("powering gnss: %w", err)
	}
	if _, err := sendAT(g.bus, "AT+CGNSSTST=1", atTimeout); err != nil {
		return fmt.Errorf("enabling nmea output: %w", err)
	}
	g.mu.Lock()
	g.powered = true
	g.mu.Unlock()
	g.log.Infof("gnss powered, nmea stream enabled")
	return nil
}

// Stop powers the GNSS engine down.
func (g *GnssReceiver) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := sendAT(g.bus, "AT+CGNSSPWR=0", atLongTimeout)
	g.mu.Lock()
	g.powered = false
	g.lastFix = types.FixData{}
	g.mu.Unlock()
	return err
}

// ReadFix collects one NMEA burst and decodes the position. A decoded
// sentence with no position solution returns a fix with Valid false and
// no error; ErrNoFix means no usable sentence arrived at all.
func (g *GnssReceiver) ReadFix(ctx context.Context) (types.FixData, error) {
	g.mu.Lock()
	powered := g.powered
	g.mu.Unlock()
	if !powered {
		return types.FixData{}, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return types.FixData{}, err
	}

	raw, err := g.bus.Exchange(nil, hasCompleteGGA, nmeaReadTimeout)
	if err != nil && len(raw) == 0 {
		return types.FixData{}, fmt.Errorf("reading nmea burst: %w", err)
	}

	fix, ok := decodeBurst(string(raw))
	if !ok {
		return types.FixData{}, ErrNoFix
	}
	fix.Timestamp = time.Now()

	g.mu.Lock()
	g.lastFix = fix
	g.mu.Unlock()
	return fix, nil
}

// LastFix returns the most recent decoded fix.
func (g *GnssReceiver) LastFix() types.FixData {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastFix
}

// Status reports engine power and whether the last decode had a
// position solution.
func (g *GnssReceiver) Status() (powered, hasFix bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.powered, g.lastFix.Valid
}

func hasCompleteGGA(buf []byte) bool {
	s := string(buf)
	for _, talker := range []string{"$GNGGA", "$GPGGA"} {
		idx := strings.Index(s, talker)
		if idx >= 0 && strings.Contains(s[idx:], "\r\n") {
			return true
		}
	}
	return false
}

// decodeBurst extracts position from a raw NMEA burst. GGA supplies
// position, altitude and satellite count; RMC, when present, supplies
// speed and course.
func decodeBurst(burst string) (types.FixData, bool) {
	var fix types.FixData
	seenGGA := false
	for _, line := range strings.Split(burst, "\r\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "$") || !validChecksum(line) {
			continue
		}
		switch {
		case strings.HasPrefix(line, "$GNGGA") || strings.HasPrefix(line, "$GPGGA"):
			if parseGGA(line, &fix) {
				seenGGA = true
			}
		case strings.HasPrefix(line, "$GNRMC") || strings.HasPrefix(line, "$GPRMC"):
			parseRMC(line, &fix)
		}
	}
	return fix, seenGGA
}

// validChecksum verifies the NMEA XOR checksum when one is present.
func validChecksum(sentence string) bool {
	star := strings.LastIndex(sentence, "*")
	if star < 0 || star+3 > len(sentence) {
		return false
	}
	want, err := strconv.ParseUint(sentence[star+1:star+3], 16, 8)
	if err != nil {
		return false
	}
	var sum byte
	for i := 1; i < star; i++ {
		sum ^= sentence[i]
	}
	return sum == byte(want)
}

// parseGGA fills position, quality, satellites and altitude from a GGA
// sentence. Returns false for a malformed sentence.
func parseGGA(sentence string, fix *types.FixData) bool {
	body := sentence
	if star := strings.LastIndex(body, "*"); star >= 0 {
		body = body[:star]
	}
	fields := strings.Split(body, ",")
	if len(fields) < 10 {
		return false
	}

	quality, err := strconv.Atoi(fields[6])
	if err != nil {
		return false
	}
	fix.Quality = quality
	if sats, err := strconv.Atoi(fields[7]); err == nil {
		fix.Satellites = sats
	}
	if quality == 0 {
		fix.Valid = false
		return true
	}

	lat, latErr := parseCoordinate(fields[2], fields[3])
	lon, lonErr := parseCoordinate(fields[4], fields[5])
	if latErr != nil || lonErr != nil {
		return false
	}
	fix.Latitude = lat
	fix.Longitude = lon
	if alt, err := strconv.ParseFloat(fields[9], 64); err == nil {
		fix.Altitude = alt
	}
	fix.Valid = true
	return true
}

// parseRMC fills speed (km/h) and course from an RMC sentence.
func parseRMC(sentence string, fix *types.FixData) {
	body := sentence
	if star := strings.LastIndex(body, "*"); star >= 0 {
		body = body[:star]
	}
	fields := strings.Split(body, ",")
	if len(fields) < 9 || fields[2] != "A" {
		return
	}
	if knots, err := strconv.ParseFloat(fields[7], 64); err == nil {
		fix.Speed = knots * 1.852
	}
	if course, err := strconv.ParseFloat(fields[8], 64); err == nil {
		fix.Course = course
	}
}

// parseCoordinate converts NMEA ddmm.mmmm plus hemisphere to decimal
// degrees.
func parseCoordinate(value, hemisphere string) (float64, error) {
	if value == "" || hemisphere == "" {
		return 0, fmt.Errorf("empty coordinate")
	}
	raw, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	degrees := float64(int(raw / 100))
	minutes := raw - degrees*100
	result := degrees + minutes/60
	if hemisphere == "S" || hemisphere == "W" {
		result = -result
	}
	return result, nil
}
