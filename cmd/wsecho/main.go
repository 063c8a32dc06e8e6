// Command wsecho runs a WebSocket echo listener or a line-oriented client
// against one.
//
//	wsecho -mode server -c server.toml
//	wsecho -mode client -url ws://127.0.0.1:54321/path
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsengine"
	"github.com/luciancaetano/wsengine/internal/tlsutil"
	"github.com/luciancaetano/wsengine/ws"
)

const stopTimeout = 5 * time.Second

var (
	configFileName string
	mode           string
	logLevel       int
	logFile        string
	startMProf     bool
	listenAddr     string
	dialURL        string
)

func init() {
	flag.StringVar(&configFileName, "c", "", "config file name")
	flag.StringVar(&mode, "mode", "server", "server or client")
	flag.IntVar(&logLevel, "ll", defaultLogLevel, "log level,0=debug, 1=info, 2=warning, 3=error, 4=fatal")
	flag.StringVar(&logFile, "lf", "", "output file for log; If empty, no log file will be used.")
	flag.BoolVar(&startMProf, "mp", false, "memory pprof")
	flag.StringVar(&listenAddr, "addr", "", "listen host:port, overrides the config file")
	flag.StringVar(&dialURL, "url", "", "ws or wss URL to dial, overrides the config file")
}

func main() {
	os.Exit(mainFunc())
}

func mainFunc() int {
	flag.Parse()

	conf, err := LoadConfig(configFileName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 2
	}
	given := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { given[f.Name] = true })
	if conf.App.LogLevel != nil && !given["ll"] {
		logLevel = *conf.App.LogLevel
	}
	if conf.App.LogFile != nil && !given["lf"] {
		logFile = *conf.App.LogFile
	}

	logger, closeLog := newLogger(logLevel, logFile)
	defer closeLog()

	if startMProf {
		defer profile.Start(profile.MemProfile, profile.MemProfileRate(1), profile.NoShutdownHook).Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "server":
		if listenAddr != "" {
			if err := conf.Server.setAddr(listenAddr); err != nil {
				logger.Error("bad -addr", zap.Error(err))
				return 2
			}
		}
		err = runServer(ctx, conf.Server, logger)
	case "client":
		if dialURL != "" {
			conf.Client.URL = dialURL
		}
		err = runClient(ctx, conf.Client, logger)
	default:
		logger.Error("unknown mode", zap.String("mode", mode))
		return 2
	}
	if err != nil {
		logger.Error("exit", zap.Error(err))
		return 1
	}
	return 0
}

func runServer(ctx context.Context, sc *ServerConf, logger *zap.Logger) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	var cfg *ws.ServerConfig
	if sc.TLS {
		cert, err := serverCertificate(sc)
		if err != nil {
			return err
		}
		cfg = ws.NewTLSServerConfig(sc.Address, sc.Port, cert, ws.Echo())
	} else {
		cfg = ws.NewServerConfig(sc.Address, sc.Port, ws.Echo())
	}
	cfg.Paths = sc.Paths
	if len(sc.Origins) > 0 {
		cfg.CheckOrigin = ws.Origins(sc.Origins...)
	}
	if sc.RateLimit > 0 {
		cfg.RateLimitConfig = &ws.RateLimitConfig{
			MessagesPerSecond: rate.Limit(sc.RateLimit),
			Burst:             sc.Burst,
			Enabled:           true,
		}
	} else {
		cfg.RateLimitConfig = ws.NoRateLimit()
	}
	cfg.OnConnect = func(conn wsengine.Conn) {
		logger.Info("connected",
			zap.String("id", conn.ID()),
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.String("origin", conn.Origin()),
			zap.String("path", conn.Path()))
	}
	cfg.OnDisconnect = func(conn wsengine.Conn, voluntary bool) {
		logger.Info("disconnected", zap.String("id", conn.ID()), zap.Bool("voluntary", voluntary))
	}
	cfg.Logger = logger

	server, err := ws.NewServer(cfg)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("listening", zap.Stringer("addr", server.Addr()), zap.Bool("tls", sc.TLS))

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return server.Stop(stopCtx)
}

func serverCertificate(sc *ServerConf) (*tls.Certificate, error) {
	if sc.CertFile != "" && sc.KeyFile != "" {
		return tlsutil.LoadKeyPair(sc.CertFile, sc.KeyFile)
	}
	hosts := []string{"localhost"}
	if sc.Address != "" {
		hosts = append(hosts, sc.Address)
	}
	cert, _, err := tlsutil.GenerateSelfSigned(hosts...)
	return cert, err
}

func runClient(ctx context.Context, cc *ClientConf, logger *zap.Logger) error {
	if err := cc.Validate(); err != nil {
		return err
	}

	cfg := ws.NewClientConfig(cc.URL, cc.Origin, func(conn wsengine.Conn, msg wsengine.Message) {
		if msg.Type == wsengine.BinaryMessage {
			fmt.Printf("< %d bytes binary\n", len(msg.Data))
			return
		}
		fmt.Println("<", msg.String())
	})
	cfg.AllowUnverifiedCerts = cc.Insecure
	if cc.CAFile != "" {
		pool, err := tlsutil.LoadCertPool(cc.CAFile)
		if err != nil {
			return err
		}
		cfg.RootCAs = pool
	}
	cfg.OnDisconnect = func(conn wsengine.Conn, voluntary bool) {
		logger.Info("disconnected", zap.Bool("voluntary", voluntary))
	}
	cfg.Logger = logger

	client, err := ws.NewClient(cfg)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	logger.Info("connected", zap.String("url", cc.URL))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		client.Disconnect(stopCtx)
		<-client.Done()
	}()

	if len(cc.Messages) > 0 {
		for _, m := range cc.Messages {
			if err := client.Send(ctx, m); err != nil {
				return err
			}
		}
	} else {
		go sendLines(ctx, client, logger)
	}

	select {
	case <-ctx.Done():
	case <-client.Done():
		logger.Warn("connection closed by peer")
	}
	return nil
}

// sendLines sends every stdin line as a text message until EOF or a send error.
func sendLines(ctx context.Context, client wsengine.Connector, logger *zap.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if err := client.Send(ctx, sc.Text()); err != nil {
			logger.Warn("send failed", zap.Error(err))
			return
		}
	}
}
