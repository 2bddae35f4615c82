package route

import (
	"crypto/subtle"
	"net"

	"tunnelgateway/internal/config"
)

// Users resolves the gateway user behind a connection, either from the
// credentials it presented or from its source address.
type Users struct {
	byUsername map[string]config.UserConfig
	sources    []userSource
}

type userSource struct {
	network *net.IPNet
	user    string
}

// NewUsers indexes the configured users. Source networks are matched in
// configuration order.
func NewUsers(users []config.UserConfig) (*Users, error) {
	u := &Users{byUsername: make(map[string]config.UserConfig, len(users))}
	for _, user := range users {
		if user.Username != "" {
			u.byUsername[user.Username] = user
		}
		nets, err := config.ParseCIDRList(user.Sources)
		if err != nil {
			return nil, err
		}
		for _, n := range nets {
			u.sources = append(u.sources, userSource{network: n, user: user.Name})
		}
	}
	return u, nil
}

// Authenticate checks a username and password and returns the user name.
func (u *Users) Authenticate(username, password string) (string, bool) {
	if u == nil {
		return "", false
	}
	user, ok := u.byUsername[username]
	if !ok {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
		return "", false
	}
	return user.Name, true
}

// ForAddr returns the user whose source networks contain addr, or "".
func (u *Users) ForAddr(addr net.Addr) string {
	if u == nil || addr == nil {
		return ""
	}
	ip := addrIP(addr)
	if ip == nil {
		return ""
	}
	for _, s := range u.sources {
		if s.network.Contains(ip) {
			return s.user
		}
	}
	return ""
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
