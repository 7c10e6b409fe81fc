package smtp

import (
	"strconv"

	"github.com/mikedilger/mailstrom/dns"
)

// Path is an SMTP forward/reverse path, as used in MAIL FROM and RCPT TO
// commands.
type Path struct {
	Localpart Localpart
	IPDomain  dns.IPDomain
}

func (p Path) IsZero() bool {
	return p.Localpart == "" && p.IPDomain.IsZero()
}

// String returns a string representation with ASCII-only domain name.
func (p Path) String() string {
	return p.XString(false)
}

// LogString returns both the ASCII-only and optional UTF-8 representation.
func (p Path) LogString() string {
	if p.Localpart == "" && p.IPDomain.IsZero() {
		return ""
	}
	s := p.XString(true)
	lp := p.Localpart.String()
	qlp := strconv.QuoteToASCII(lp)
	escaped := qlp != `"`+lp+`"`
	if p.IPDomain.Domain.Unicode != "" || escaped {
		if escaped {
			lp = qlp
		}
		s += "/" + lp + "@" + p.IPDomain.XString(false)
	}
	return s
}

// XString is like String, but returns unicode UTF-8 domain names if utf8 is
// true.
func (p Path) XString(utf8 bool) string {
	if p.Localpart == "" && p.IPDomain.IsZero() {
		return ""
	}
	return p.Localpart.String() + "@" + p.IPDomain.XString(utf8)
}
