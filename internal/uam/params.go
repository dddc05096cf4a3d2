package uam

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// portalParams are the gateway-supplied context fields plus submitted credentials.
type portalParams struct {
	UAMIP     string `form:"uamip"`
	UAMPort   string `form:"uamport"`
	Challenge string `form:"challenge"`
	MAC       string `form:"mac"`
	IP        string `form:"ip"`
	NASID     string `form:"nasid"`
	Called    string `form:"called"`
	SessionID string `form:"sessionid"`
	UserURL   string `form:"userurl"`
	Res       string `form:"res"`
	Reason    string `form:"reason"`
	Error     string `form:"error"`

	Username string `form:"username"`
	Password string `form:"password"`
}

func (p *portalParams) trim() {
	p.UAMIP = strings.TrimSpace(p.UAMIP)
	p.UAMPort = strings.TrimSpace(p.UAMPort)
	p.Challenge = strings.TrimSpace(p.Challenge)
	p.MAC = strings.TrimSpace(p.MAC)
	p.IP = strings.TrimSpace(p.IP)
	p.NASID = strings.TrimSpace(p.NASID)
	p.Called = strings.TrimSpace(p.Called)
	p.SessionID = strings.TrimSpace(p.SessionID)
	p.UserURL = strings.TrimSpace(p.UserURL)
	p.Res = strings.ToLower(strings.TrimSpace(p.Res))
	p.Username = strings.TrimSpace(p.Username)
}

// gatewayAddr validates uamip and uamport and returns host:port.
func (p portalParams) gatewayAddr() (string, bool) {
	if net.ParseIP(p.UAMIP) == nil {
		return "", false
	}
	port, errPort := strconv.Atoi(p.UAMPort)
	if errPort != nil || port < 1 || port > 65535 {
		return "", false
	}
	return net.JoinHostPort(p.UAMIP, strconv.Itoa(port)), true
}

// SessionKey identifies a client across portal requests: the gateway session id,
// then MAC plus client IP, then MAC, then client IP, then the transport address.
func SessionKey(sessionID, mac, ip, remoteAddr string) string {
	sessionID = strings.TrimSpace(sessionID)
	mac = strings.ToUpper(strings.TrimSpace(mac))
	ip = strings.TrimSpace(ip)
	switch {
	case sessionID != "":
		return "sid:" + sessionID
	case mac != "" && ip != "":
		return "macip:" + mac + "|" + ip
	case mac != "":
		return "mac:" + mac
	case ip != "":
		return "ip:" + ip
	}
	host, _, errSplit := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if errSplit != nil {
		host = strings.TrimSpace(remoteAddr)
	}
	return "addr:" + host
}

// SafeURL returns raw when it is an absolute http or https URL and "" otherwise.
func SafeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, errParse := url.Parse(raw)
	if errParse != nil || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String()
	default:
		return ""
	}
}
