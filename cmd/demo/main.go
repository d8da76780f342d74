// Demo: dial the in-memory TLS server through the full stack and
// exchange a request, printing what happened at each step. Scenario
// parameters come from demo.yaml with .env overriding the defaults.
package main

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tinystack"
	"tinystack/minitcp"
	"tinystack/minitls"
	"tinystack/minitls/minitlstest"
	"tinystack/shared"
)

// Scenario is the yaml-configurable demo run.
type Scenario struct {
	ServerName  string `yaml:"server_name"`
	CipherSuite string `yaml:"cipher_suite"` // "gcm" or "cbc"
	Request     string `yaml:"request"`
	PollBudget  int    `yaml:"poll_budget"`
}

func defaultScenario() Scenario {
	return Scenario{
		ServerName:  "demo.local",
		CipherSuite: "gcm",
		Request:     "GET / HTTP/1.0\r\nHost: demo.local\r\n\r\n",
		PollBudget:  1000,
	}
}

func loadScenario() (Scenario, error) {
	scenario := defaultScenario()

	path := shared.GetEnvOrDefault("DEMO_SCENARIO", "demo.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return scenario, nil
		}
		return scenario, fmt.Errorf("reading scenario file: %w", err)
	}
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return scenario, fmt.Errorf("parsing %s: %w", path, err)
	}
	return scenario, nil
}

func (s Scenario) suite() (uint16, error) {
	switch strings.ToLower(s.CipherSuite) {
	case "", "gcm":
		return minitls.TLS_RSA_WITH_AES_128_GCM_SHA256, nil
	case "cbc":
		return minitls.TLS_RSA_WITH_AES_128_CBC_SHA256, nil
	default:
		return 0, fmt.Errorf("unknown cipher_suite %q (want gcm or cbc)", s.CipherSuite)
	}
}

func main() {
	fmt.Println("tinystack demo: TLS 1.2 over the userspace TCP client")
	fmt.Println(strings.Repeat("=", 54))

	// .env is optional; it feeds the DEVELOPMENT and DEMO_SCENARIO
	// variables.
	_ = godotenv.Load()

	scenario, err := loadScenario()
	if err != nil {
		log.Fatalf("scenario: %v", err)
	}

	if err := runDemo(scenario); err != nil {
		log.Fatalf("demo failed: %v", err)
	}
	fmt.Println("\ndemo completed")
}

func runDemo(scenario Scenario) error {
	logger, err := shared.NewLoggerFromEnv("demo")
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	suite, err := scenario.suite()
	if err != nil {
		return err
	}

	server, err := minitlstest.NewServer(minitlstest.Config{CipherSuite: suite})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	fmt.Printf("-> server up, suite 0x%04x, echoing application data\n", suite)

	localIP := netip.MustParseAddr("10.0.0.1")
	peerIP := netip.MustParseAddr("10.0.0.2")

	bridge := newSegmentBridge(localIP, peerIP, server.ClientStream())
	stack := minitcp.NewStack(localIP, bridge.handle, logger.Logger)
	bridge.stack = stack

	fmt.Printf("-> dialing %s:443 as %q\n", peerIP, scenario.ServerName)
	session, err := tinystack.Dial(stack, bridge.pump, peerIP, 443, scenario.ServerName, tinystack.Options{
		PollBudget: scenario.PollBudget,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	fmt.Printf("-> session %s established\n", session.ID)

	if _, err := session.Send([]byte(scenario.Request)); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	fmt.Printf("-> sent %d bytes\n", len(scenario.Request))

	response, err := session.Recv()
	if err != nil {
		return fmt.Errorf("receiving response: %w", err)
	}
	fmt.Printf("<- received %d bytes: %q\n", len(response), response)

	if err := session.Close(); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	bridge.pump()
	fmt.Println("-> session closed")
	return nil
}
