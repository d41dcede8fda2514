package cmd

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/micrictor/appwall/internal/bridge"
	"github.com/micrictor/appwall/internal/config"
	"github.com/micrictor/appwall/internal/packet"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const DIAL_TIMEOUT = 5 * time.Second
const REPLY_TIMEOUT = time.Minute

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Send one packet query as an inspector would",
	Long:  `Connects to the bridge, sends a single packet query and prints the verdict`,
	RunE:  probeMain,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().StringP("server", "s", "127.0.0.1", "Bridge host to connect to.")
	probeCmd.Flags().IntP("port", "p", config.DEFAULT_BRIDGE_PORT, "Bridge TCP port.")
	probeCmd.Flags().String("protocol", "tcp", "tcp or udp")
	probeCmd.Flags().String("src", "192.168.1.2", "Source IP address.")
	probeCmd.Flags().String("dst", "93.184.216.34", "Destination IP address.")
	probeCmd.Flags().Uint16("sport", 40000, "Source port.")
	probeCmd.Flags().Uint16("dport", 443, "Destination port.")
	probeCmd.Flags().Int("uid", 1000, "Owner user-id of the packet.")
	probeCmd.Flags().Int("uid-offset", config.DEFAULT_UID_MARK_OFFSET, "Offset added to the uid to form the packet mark.")
	probeCmd.Flags().Int("in-dev", packet.NoDevice, "Input interface index; unset for outgoing packets.")
	probeCmd.Flags().Int("out-dev", packet.NoDevice, "Output interface index; unset for incoming packets.")
	probeCmd.Flags().Bool("syn", true, "Set the TCP SYN flag.")
}

func probePacket(cmd *cobra.Command) (*packet.Packet, error) {
	flags := cmd.Flags()
	proto, _ := flags.GetString("protocol")
	src, _ := flags.GetString("src")
	dst, _ := flags.GetString("dst")
	sport, _ := flags.GetUint16("sport")
	dport, _ := flags.GetUint16("dport")
	uid, _ := flags.GetInt("uid")
	offset, _ := flags.GetInt("uid-offset")
	inDev, _ := flags.GetInt("in-dev")
	outDev, _ := flags.GetInt("out-dev")
	syn, _ := flags.GetBool("syn")

	protocol, err := packet.ParseProtocol(strings.ToLower(proto))
	if err != nil {
		return nil, err
	}
	if inDev == packet.NoDevice && outDev == packet.NoDevice {
		outDev = 1
	}
	p := &packet.Packet{
		Protocol:     protocol,
		Source:       packet.Endpoint{IP: src, Port: sport},
		Destination:  packet.Endpoint{IP: dst, Port: dport},
		InputDevice:  inDev,
		OutputDevice: outDev,
		Mark:         uid + offset,
	}
	if protocol == packet.TCP {
		p.TCP.Flags.SYN = syn
	}
	return p, nil
}

func probeMain(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	serverPort, _ := cmd.Flags().GetInt("port")
	p, err := probePacket(cmd)
	if err != nil {
		return err
	}
	query := bridge.EncodeQuery(p)
	// Reject anything the bridge would not decode.
	if _, err := bridge.DecodeQuery(query); err != nil {
		return err
	}

	addr := net.JoinHostPort(server, strconv.Itoa(serverPort))
	logrus.Infof("attempting to connect to tcp://%s", addr)
	conn, err := net.DialTimeout("tcp", addr, DIAL_TIMEOUT)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if err := conn.SetDeadline(time.Now().Add(REPLY_TIMEOUT)); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(conn, bridge.EncodeComment("probe hello")); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	greeting, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	logrus.Infof("greeting: %s", strings.TrimSpace(greeting))

	if _, err := fmt.Fprintln(conn, query); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read verdict: %w", err)
	}
	line = strings.TrimSpace(line)
	action, err := bridge.DecodeResponse(line)
	if err != nil {
		return err
	}
	logrus.Debugf("verdict %s", action)
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", p, strings.TrimPrefix(line, bridge.PrefixResponse))
	return nil
}
