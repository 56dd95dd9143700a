package main

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/tlvserver"
)

const dialTimeout = 5 * time.Second

func runSend(cmd *cobra.Command, args []string) error {
	reply, err := sendFrame(sendAddr, sendTag, []byte(args[0]), sendWait)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "tag=%d len=%d payload=%q\n", reply.Tag(), reply.Length(), reply.Payload())
	return nil
}

// sendFrame writes one frame to addr and, if wait is positive, reads the
// first frame that comes back within wait.
func sendFrame(addr string, tag byte, payload []byte, wait time.Duration) (tlvserver.Frame, error) {
	frame, err := tlvserver.EncodeFrame(tag, payload)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	if _, err := conn.Write(frame.Bytes()); err != nil {
		return nil, errors.Wrap(err, "write frame")
	}

	if wait <= 0 {
		return nil, nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, errors.Wrap(err, "set read deadline")
	}

	raw, err := tlvserver.TLVPacketizer{}.Next(conn)
	if err != nil {
		return nil, errors.Wrap(err, "read reply")
	}
	return tlvserver.Frame(raw), nil
}
