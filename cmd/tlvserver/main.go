package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serve flags
	configPath string
	bindAddr   string
	port       int
	verbose    bool

	// send flags
	sendAddr string
	sendTag  uint8
	sendWait time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tlvserver",
	Short: "TLV-framed TCP server",
	Long: `tlvserver accepts TCP clients that speak a Type-Length-Value framing:

  [type:1 byte][length:2 bytes big-endian][payload:length bytes]

The serve command runs an echo server that writes every frame back unchanged.
The send command is a small client for poking at a running server.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the echo server until SIGINT or SIGTERM",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var sendCmd = &cobra.Command{
	Use:   "send [payload]",
	Short: "Send one frame and print the reply",
	Long: `Encodes payload as a single TLV frame, writes it to the server and, unless
--wait is 0, prints the first frame the server sends back.

Example:
  tlvserver send --addr 127.0.0.1:9000 --tag 1 hello`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	serveCmd.Flags().StringVar(&bindAddr, "bind", "", "override server.bind_address")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	sendCmd.Flags().StringVarP(&sendAddr, "addr", "a", "127.0.0.1:9000", "server address")
	sendCmd.Flags().Uint8VarP(&sendTag, "tag", "t", 1, "frame type tag")
	sendCmd.Flags().DurationVarP(&sendWait, "wait", "w", 2*time.Second, "how long to wait for a reply, 0 to skip")

	rootCmd.AddCommand(serveCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
