package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"
)

// Config is the wsecho TOML file. Only the section matching -mode is used.
type Config struct {
	App    AppConf     `toml:"app"`
	Server *ServerConf `toml:"server"`
	Client *ClientConf `toml:"client"`
}

type AppConf struct {
	// pointers, so an explicit 0 differs from "not given"
	LogLevel *int    `toml:"loglevel"`
	LogFile  *string `toml:"logfile"`
}

type ServerConf struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`

	TLS        bool   `toml:"tls"`
	CertFile   string `toml:"cert"`
	KeyFile    string `toml:"key"`
	SelfSigned bool   `toml:"self_signed"`

	Paths   []string `toml:"paths"`
	Origins []string `toml:"origins"`

	// messages per second per connection; 0 disables rate limiting
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`
}

type ClientConf struct {
	URL      string `toml:"url"`
	Origin   string `toml:"origin"`
	Insecure bool   `toml:"insecure"`
	CAFile   string `toml:"ca"`

	// Messages are sent right after connecting. Without any, stdin lines are sent.
	Messages []string `toml:"messages"`
}

func defaultServerConf() *ServerConf {
	return &ServerConf{
		Address:   "127.0.0.1",
		Port:      54321,
		Paths:     []string{"/path"},
		RateLimit: 100,
		Burst:     200,
	}
}

func defaultClientConf() *ClientConf {
	return &ClientConf{
		URL:    "ws://127.0.0.1:54321/path",
		Origin: "localhost",
	}
}

// LoadConfig reads fn on top of the defaults, so keys missing from the file
// keep their default values. An empty fn yields the defaults.
func LoadConfig(fn string) (*Config, error) {
	conf := &Config{
		Server: defaultServerConf(),
		Client: defaultClientConf(),
	}
	if fn == "" {
		return conf, nil
	}
	bs, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(bs, conf); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fn, err)
	}
	return conf, nil
}

// setAddr overrides Address and Port from a host:port string.
func (c *ServerConf) setAddr(hostport string) error {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return err
	}
	if !govalidator.IsPort(port) && port != "0" {
		return fmt.Errorf("invalid port %q", port)
	}
	c.Address = host
	c.Port, err = strconv.Atoi(port)
	return err
}

func (c *ServerConf) Validate() error {
	if c.Address != "" && !govalidator.IsHost(c.Address) {
		return fmt.Errorf("server address %q is neither an IP nor a host name", c.Address)
	}
	if c.Port != 0 && !govalidator.IsPort(strconv.Itoa(c.Port)) {
		return fmt.Errorf("server port %d out of range", c.Port)
	}
	if c.TLS && !c.SelfSigned && (c.CertFile == "" || c.KeyFile == "") {
		return errors.New("tls enabled without cert/key files or self_signed")
	}
	if c.RateLimit < 0 || c.Burst < 0 {
		return errors.New("rate_limit and burst must not be negative")
	}
	return nil
}

func (c *ClientConf) Validate() error {
	if !govalidator.IsRequestURL(c.URL) {
		return fmt.Errorf("client url %q is not an absolute URL", c.URL)
	}
	if c.CAFile != "" {
		if ok, _ := govalidator.IsFilePath(c.CAFile); !ok {
			return fmt.Errorf("ca %q is not a file path", c.CAFile)
		}
	}
	return nil
}
