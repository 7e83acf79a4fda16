package apiclient

import (
	"fmt"
	"slices"

	"github.com/go-authgate/campus-cli/broker"
)

// Service names, as used on the command line and in logs.
const (
	ServiceAuth     = "auth"
	ServiceProfile  = "profile"
	ServiceProjects = "projects"
	ServiceEvents   = "events"
	ServiceNetwork  = "network"
)

// ServiceNames lists every platform service in a stable order.
func ServiceNames() []string {
	return []string{ServiceAuth, ServiceProfile, ServiceProjects, ServiceEvents, ServiceNetwork}
}

// ServiceURLs holds the base URL of each platform service.
type ServiceURLs struct {
	Auth     string `yaml:"auth"`
	Profile  string `yaml:"profile"`
	Projects string `yaml:"projects"`
	Events   string `yaml:"events"`
	Network  string `yaml:"network"`
}

// Get returns the URL of the named service.
func (u ServiceURLs) Get(name string) string {
	switch name {
	case ServiceAuth:
		return u.Auth
	case ServiceProfile:
		return u.Profile
	case ServiceProjects:
		return u.Projects
	case ServiceEvents:
		return u.Events
	case ServiceNetwork:
		return u.Network
	}
	return ""
}

// Services is one client per platform service, all sharing one broker.
type Services struct {
	Auth     *Client
	Profile  *Client
	Projects *Client
	Events   *Client
	Network  *Client
}

// NewServices builds a client for every service in urls. opts apply to all
// of them; each client is additionally named after its service.
func NewServices(urls ServiceURLs, b *broker.Broker, opts ...Option) (*Services, error) {
	s := &Services{}
	targets := map[string]**Client{
		ServiceAuth:     &s.Auth,
		ServiceProfile:  &s.Profile,
		ServiceProjects: &s.Projects,
		ServiceEvents:   &s.Events,
		ServiceNetwork:  &s.Network,
	}
	for _, name := range ServiceNames() {
		c, err := New(urls.Get(name), b, append(slices.Clone(opts), WithName(name))...)
		if err != nil {
			return nil, fmt.Errorf("%s service: %w", name, err)
		}
		*targets[name] = c
	}
	return s, nil
}

// ByName returns the client for the named service.
func (s *Services) ByName(name string) (*Client, bool) {
	var c *Client
	switch name {
	case ServiceAuth:
		c = s.Auth
	case ServiceProfile:
		c = s.Profile
	case ServiceProjects:
		c = s.Projects
	case ServiceEvents:
		c = s.Events
	case ServiceNetwork:
		c = s.Network
	}
	return c, c != nil
}
