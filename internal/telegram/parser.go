package telegram

import (
	"encoding/binary"
	"fmt"
	"math"
)

// scanDataMarker must appear in a payload's leading ASCII command token for
// the payload to be treated as scan data; anything else is rejected.
const scanDataMarker = "LMDscandata"

// ParseError reports a malformed telegram payload. The offending telegram is
// always dropped by the caller; ParseError carries the reason for counting
// and logging purposes.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("telegram parse error: %s", e.Reason)
}

// Parser decodes one telegram payload into a Scan. It is stateless across
// calls except for a monotonically increasing parse counter.
type Parser struct {
	parseCount uint64
}

// NewParser returns a ready-to-use Parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseCount returns the number of payloads handed to Parse so far,
// including ones that failed to parse.
func (p *Parser) ParseCount() uint64 {
	return p.parseCount
}

// Parse decodes one payload into a Scan, or returns a *ParseError describing
// why it could not.
func (p *Parser) Parse(payload []byte) (Scan, error) {
	p.parseCount++

	spaceIdx := -1
	for i, b := range payload {
		if b == ' ' {
			spaceIdx = i
			break
		}
	}
	if spaceIdx == -1 {
		return Scan{}, &ParseError{Reason: "no command token"}
	}
	token := string(payload[:spaceIdx])
	if !containsMarker(token, scanDataMarker) {
		return Scan{}, &ParseError{Reason: "not a scan-data telegram"}
	}

	body := payload[spaceIdx+1:]
	return parseBinaryBody(body)
}

func containsMarker(token, marker string) bool {
	if len(token) < len(marker) {
		return false
	}
	for i := 0; i+len(marker) <= len(token); i++ {
		if token[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

const minBodyLen = 32 // through the encoder count field

func parseBinaryBody(body []byte) (Scan, error) {
	if len(body) < minBodyLen {
		return Scan{}, &ParseError{Reason: "body too short"}
	}

	scan := Scan{
		DeviceStatus:    binary.BigEndian.Uint16(body[8:10]),
		TelegramCounter: binary.BigEndian.Uint16(body[10:12]),
		SequenceNumber:  binary.BigEndian.Uint16(body[12:14]),
		Timestamp:       binary.BigEndian.Uint32(body[14:18]),
	}
	scanFreqRaw := binary.BigEndian.Uint32(body[22:26])
	scan.Frequency = float64(scanFreqRaw) / 100.0

	offset := 30
	if offset+2 > len(body) {
		return Scan{}, &ParseError{Reason: "truncated before encoder count"}
	}
	encoderCount := binary.BigEndian.Uint16(body[offset : offset+2])
	offset += 2
	offset += int(encoderCount) * 6 // encoder blocks are skipped entirely

	if offset+2 > len(body) {
		return Scan{}, &ParseError{Reason: "truncated before channel count"}
	}
	channelCount16 := binary.BigEndian.Uint16(body[offset : offset+2])
	offset += 2

	scan.PointsByLayer = make([][]ScanPoint, LayerCount)
	firstChannelSeen := false
	channelIndex := 0

	for ch := 0; ch < int(channelCount16); ch++ {
		points, newOffset, startAngle, angularStep, pointCount, err := parseChannel16(body, offset)
		if err != nil {
			return Scan{}, err
		}
		offset = newOffset

		layer := channelIndex % LayerCount
		channelIndex++
		for i := range points {
			points[i].Layer = layer
			points[i].AngleV = LayerAngles[layer]
		}
		scan.PointsByLayer[layer] = append(scan.PointsByLayer[layer], points...)

		if !firstChannelSeen {
			scan.StartAngle = startAngle
			scan.AngularStep = angularStep
			scan.PointCount = pointCount
			firstChannelSeen = true
		}
	}

	if !firstChannelSeen {
		return Scan{}, &ParseError{Reason: "no 16-bit channels present"}
	}

	// Optional 8-bit RSSI channel block, only if bytes remain.
	if offset+2 <= len(body) {
		channelCount8 := binary.BigEndian.Uint16(body[offset : offset+2])
		offset += 2
		for ch := 0; ch < int(channelCount8); ch++ {
			// RSSI channel ch pairs with 16-bit channel ch, so it shares
			// that channel's layer.
			layer := ch % LayerCount
			newOffset, err := parseRSSIChannel8(body, offset, scan.PointsByLayer[layer])
			if err != nil {
				return Scan{}, err
			}
			offset = newOffset
		}
	}

	return scan, nil
}

// parseChannel16 decodes one 16-bit distance channel starting at offset,
// returning the decoded points, the offset past the channel, and the
// channel's angular-grid parameters.
func parseChannel16(body []byte, offset int) (points []ScanPoint, newOffset int, startAngle, angularStep float64, pointCount int, err error) {
	const fixedHeaderLen = 5 + 4 + 4 + 4 + 2 + 2
	if offset+fixedHeaderLen > len(body) {
		return nil, 0, 0, 0, 0, &ParseError{Reason: "truncated channel header"}
	}

	contentType := body[offset : offset+5]
	for _, b := range contentType {
		if b < 0x20 || b > 0x7e {
			return nil, 0, 0, 0, 0, &ParseError{Reason: "non-ASCII content type"}
		}
	}
	offset += 5

	scale := math.Float32frombits(binary.BigEndian.Uint32(body[offset : offset+4]))
	offset += 4
	scaleOffset := math.Float32frombits(binary.BigEndian.Uint32(body[offset : offset+4]))
	offset += 4

	startAngleRaw := int32(binary.BigEndian.Uint32(body[offset : offset+4]))
	offset += 4
	angularStepRaw := int16(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if angularStepRaw < 0 {
		return nil, 0, 0, 0, 0, &ParseError{Reason: "negative angular step"}
	}

	n := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2

	if offset+n*2 > len(body) {
		return nil, 0, 0, 0, 0, &ParseError{Reason: "truncated distance values"}
	}

	startAngle = float64(startAngleRaw) / 10000.0
	angularStep = float64(angularStepRaw) / 10000.0

	points = make([]ScanPoint, n)
	for i := 0; i < n; i++ {
		raw := binary.BigEndian.Uint16(body[offset : offset+2])
		offset += 2
		distance := (float64(raw)*float64(scale) + float64(scaleOffset)) / 1000.0
		points[i] = ScanPoint{
			Distance: distance,
			AngleH:   startAngle + float64(i)*angularStep,
		}
	}

	return points, offset, startAngle, angularStep, n, nil
}

// parseRSSIChannel8 decodes one 8-bit RSSI channel and pairs its strength
// values, in order, onto the points already collected for the same layer.
func parseRSSIChannel8(body []byte, offset int, layerPoints []ScanPoint) (newOffset int, err error) {
	const fixedHeaderLen = 5 + 4 + 4 + 4 + 2 + 2
	if offset+fixedHeaderLen > len(body) {
		return 0, &ParseError{Reason: "truncated RSSI channel header"}
	}

	contentType := body[offset : offset+5]
	for _, b := range contentType {
		if b < 0x20 || b > 0x7e {
			return 0, &ParseError{Reason: "non-ASCII RSSI content type"}
		}
	}
	offset += 5 + 4 + 4 + 4 + 2 // content type, scale, offset, start angle, angular step

	n := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2

	if offset+n > len(body) {
		return 0, &ParseError{Reason: "truncated RSSI values"}
	}

	for i := 0; i < n && i < len(layerPoints); i++ {
		layerPoints[i].Strength = body[offset+i]
	}

	offset += n
	return offset, nil
}
