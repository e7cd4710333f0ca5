package atproto

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Functionality mirrors AT+CFUN's functionality levels.
type Functionality int

const (
	FunctionalityMinimum Functionality = 0
	FunctionalityFull    Functionality = 1
)

// RegistrationStat mirrors the +CGREG <stat> values the driver cares about.
type RegistrationStat int

const (
	RegNotRegistered RegistrationStat = 0
	RegRegistered    RegistrationStat = 1
	RegSearching     RegistrationStat = 2
	RegDenied        RegistrationStat = 3
	RegUnknown       RegistrationStat = 4
	RegRoaming       RegistrationStat = 5
)

func (s RegistrationStat) Registered() bool {
	return s == RegRegistered || s == RegRoaming
}

// PinStatus is the parsed response to GetPinStatus (AT+CPIN?).
type PinStatus struct {
	Ready bool
	Raw   string
}

// SignalQuality is the parsed response to GetSignalQuality (AT+CSQ).
type SignalQuality struct {
	RSSI int
	BER  int
}

// OperatorSelection is the parsed response to GetOperatorSelection (AT+COPS?).
type OperatorSelection struct {
	Automatic bool
	Name      string
}

// APN describes the packet-data dial string. A nil *APN means "none
// configured", matching spec.md's APN: {None, Given{...}} variant.
type APN struct {
	Name     string
	Username string
	Password string
}

// Ping issues the bare "AT" liveness probe.
func Ping(ctx context.Context, c Client) error {
	_, err := c.Send(ctx, "")
	return err
}

// SetReportMobileTerminationError configures AT+CMEE verbosity.
func SetReportMobileTerminationError(ctx context.Context, c Client, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := c.Send(ctx, fmt.Sprintf("+CMEE=%d", v))
	return err
}

// GetModelId issues AT+CGMM.
func GetModelId(ctx context.Context, c Client) (string, error) {
	info, err := c.Send(ctx, "+CGMM")
	if err != nil {
		return "", err
	}
	return firstOrEmpty(info), nil
}

// GetFirmwareVersion issues AT+CGMR.
func GetFirmwareVersion(ctx context.Context, c Client) (string, error) {
	info, err := c.Send(ctx, "+CGMR")
	if err != nil {
		return "", err
	}
	return firstOrEmpty(info), nil
}

// GetCCID issues AT+CCID.
func GetCCID(ctx context.Context, c Client) (string, error) {
	info, err := c.Send(ctx, "+CCID")
	if err != nil {
		return "", err
	}
	return firstOrEmpty(info), nil
}

// GetPinStatus issues AT+CPIN?.
func GetPinStatus(ctx context.Context, c Client) (PinStatus, error) {
	info, err := c.Send(ctx, "+CPIN?")
	if err != nil {
		return PinStatus{}, err
	}
	raw := firstOrEmpty(info)
	body := stripPrefix(raw, "+CPIN:")
	return PinStatus{Ready: strings.TrimSpace(body) == "READY", Raw: body}, nil
}

// SetModuleFunctionality issues AT+CFUN=<n>.
func SetModuleFunctionality(ctx context.Context, c Client, fun Functionality) error {
	_, err := c.Send(ctx, fmt.Sprintf("+CFUN=%d", int(fun)))
	return err
}

// GetSignalQuality issues AT+CSQ.
func GetSignalQuality(ctx context.Context, c Client) (SignalQuality, error) {
	info, err := c.Send(ctx, "+CSQ")
	if err != nil {
		return SignalQuality{}, err
	}
	fields := strings.Split(stripPrefix(firstOrEmpty(info), "+CSQ:"), ",")
	if len(fields) < 2 {
		return SignalQuality{}, errors.New("at: malformed +CSQ response")
	}
	rssi, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
	ber, err2 := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err1 != nil || err2 != nil {
		return SignalQuality{}, errors.New("at: malformed +CSQ response")
	}
	return SignalQuality{RSSI: rssi, BER: ber}, nil
}

// GetOperatorSelection issues AT+COPS?.
func GetOperatorSelection(ctx context.Context, c Client) (OperatorSelection, error) {
	info, err := c.Send(ctx, "+COPS?")
	if err != nil {
		return OperatorSelection{}, err
	}
	fields := strings.Split(stripPrefix(firstOrEmpty(info), "+COPS:"), ",")
	if len(fields) == 0 {
		return OperatorSelection{}, nil
	}
	mode := strings.TrimSpace(fields[0])
	sel := OperatorSelection{Automatic: mode == "0"}
	if len(fields) >= 3 {
		sel.Name = strings.Trim(strings.TrimSpace(fields[2]), `"`)
	}
	return sel, nil
}

// SetOperatorSelectionAutomatic issues AT+COPS=0.
func SetOperatorSelectionAutomatic(ctx context.Context, c Client) error {
	_, err := c.Send(ctx, "+COPS=0")
	return err
}

// SetRegistrationURCConfig issues AT+CGREG=1 to enable registration URCs.
func SetRegistrationURCConfig(ctx context.Context, c Client) error {
	_, err := c.Send(ctx, "+CGREG=1")
	return err
}

// SetAutomaticTimezoneUpdate issues AT+CTZU=<n>.
func SetAutomaticTimezoneUpdate(ctx context.Context, c Client, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := c.Send(ctx, fmt.Sprintf("+CTZU=%d", v))
	return err
}

// SetPDPContextConfig issues AT+CGDCONT=<contextID>,"IP","<apn>", binding the
// given PDP context id to the dial string before the packet-switched profile
// (AT+UPSD) is pointed at it. A nil apn is a no-op: CONTEXT_ID only matters
// once an APN is actually configured.
func SetPDPContextConfig(ctx context.Context, c Client, contextID uint8, apn *APN) error {
	if apn == nil {
		return nil
	}
	_, err := c.Send(ctx, fmt.Sprintf(`+CGDCONT=%d,"IP","%s"`, contextID, apn.Name))
	return err
}

// SetPacketSwitchedConfig issues the profile's AT+UPSD configuration lines:
// APN, and username/password when given.
func SetPacketSwitchedConfig(ctx context.Context, c Client, profileID uint8, apn *APN) error {
	if apn == nil {
		return nil
	}
	if _, err := c.Send(ctx, fmt.Sprintf(`+UPSD=%d,1,"%s"`, profileID, apn.Name)); err != nil {
		return err
	}
	if apn.Username != "" {
		if _, err := c.Send(ctx, fmt.Sprintf(`+UPSD=%d,2,"%s"`, profileID, apn.Username)); err != nil {
			return err
		}
	}
	if apn.Password != "" {
		if _, err := c.Send(ctx, fmt.Sprintf(`+UPSD=%d,3,"%s"`, profileID, apn.Password)); err != nil {
			return err
		}
	}
	return nil
}

// SetPacketSwitchedAction issues AT+UPSDA=<profile>,<action> (3 = activate,
// 4 = deactivate).
func SetPacketSwitchedAction(ctx context.Context, c Client, profileID uint8, activate bool) error {
	action := 4
	if activate {
		action = 3
	}
	_, err := c.Send(ctx, fmt.Sprintf("+UPSDA=%d,%d", profileID, action))
	return err
}

// GetPacketSwitchedNetworkAttachedState issues AT+CGATT?.
func GetPacketSwitchedNetworkAttachedState(ctx context.Context, c Client) (bool, error) {
	info, err := c.Send(ctx, "+CGATT?")
	if err != nil {
		return false, err
	}
	body := stripPrefix(firstOrEmpty(info), "+CGATT:")
	return strings.TrimSpace(body) == "1", nil
}

// GetGPRSNetworkRegistrationStatus issues AT+CGREG?.
func GetGPRSNetworkRegistrationStatus(ctx context.Context, c Client) (RegistrationStat, error) {
	info, err := c.Send(ctx, "+CGREG?")
	if err != nil {
		return RegUnknown, err
	}
	fields := strings.Split(stripPrefix(firstOrEmpty(info), "+CGREG:"), ",")
	if len(fields) < 2 {
		return RegUnknown, errors.New("at: malformed +CGREG response")
	}
	stat, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return RegUnknown, errors.New("at: malformed +CGREG response")
	}
	return RegistrationStat(stat), nil
}

// SetHexMode issues AT+MIPHEX=<n> to select binary-safe hex framing for
// socket I/O.
func SetHexMode(ctx context.Context, c Client, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := c.Send(ctx, fmt.Sprintf("+MIPHEX=%d", v))
	return err
}

// SetFlowControl issues AT&K3 (RTS/CTS) or AT&K0 (disabled).
func SetFlowControl(ctx context.Context, c Client, on bool) error {
	if on {
		_, err := c.Send(ctx, "&K3")
		return err
	}
	_, err := c.Send(ctx, "&K0")
	return err
}

// ConnectSocket issues AT+MIPOPEN=<peer>,"TCP",<ip>,<port>.
func ConnectSocket(ctx context.Context, c Client, peerHandle int, ip net.IP, port uint16) error {
	_, err := c.Send(ctx, fmt.Sprintf(`+MIPOPEN=%d,"TCP","%s",%d`, peerHandle, ip.String(), port))
	return err
}

// CloseSocket issues AT+MIPCLOSE=<peer>.
func CloseSocket(ctx context.Context, c Client, peerHandle int) error {
	_, err := c.Send(ctx, fmt.Sprintf("+MIPCLOSE=%d", peerHandle))
	return err
}

// WriteSocketData issues a single AT+MIPSEND=<peer>,<len>,<hexdata> command:
// the byte count and the hex-encoded payload travel in the same command line,
// not as a separate "prepare write N bytes" step followed by the payload.
func WriteSocketData(ctx context.Context, c Client, peerHandle int, data []byte) error {
	_, err := c.Send(ctx, fmt.Sprintf("+MIPSEND=%d,%d,%s", peerHandle, len(data), encodeHex(data)))
	return err
}

// ResolveName issues AT+MIPDNS=<recordType>,"<hostname>" and parses the
// returned address. recordType is "A" or "AAAA", selecting which address
// family the modem should resolve and return.
func ResolveName(ctx context.Context, c Client, hostname, recordType string) (net.IP, error) {
	info, err := c.Send(ctx, fmt.Sprintf(`+MIPDNS=%s,"%s"`, recordType, hostname))
	if err != nil {
		return nil, err
	}
	fields := strings.Split(stripPrefix(firstOrEmpty(info), "+MIPDNS:"), ",")
	if len(fields) < 2 {
		return nil, errors.New("at: malformed +MIPDNS response")
	}
	ip, ok := ParseIP(fields[1])
	if !ok {
		return nil, errors.New("at: malformed +MIPDNS address")
	}
	return ip, nil
}

// GetSocketsAvailableToOpen issues AT+MIPCANOPEN? and returns the bitmask of
// the modem's six peer handles currently free to open.
func GetSocketsAvailableToOpen(ctx context.Context, c Client) (uint8, error) {
	info, err := c.Send(ctx, "+MIPCANOPEN?")
	if err != nil {
		return 0, err
	}
	body := stripPrefix(firstOrEmpty(info), "+MIPCANOPEN:")
	mask, err := strconv.ParseUint(strings.TrimSpace(body), 10, 8)
	if err != nil {
		return 0, errors.New("at: malformed +MIPCANOPEN response")
	}
	return uint8(mask), nil
}

func firstOrEmpty(info []string) string {
	if len(info) == 0 {
		return ""
	}
	return info[0]
}

func stripPrefix(line, prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), prefix))
}

func encodeHex(data []byte) string {
	const hextable = "0123456789ABCDEF"
	out := make([]byte, len(data)*2)
	for i, b := range data {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
