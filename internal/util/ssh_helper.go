package util

import (
	"fmt"
	"net"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// outboundIP returns the local address used for outbound traffic.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer func() {
		if errClose := conn.Close(); errClose != nil {
			log.Debugf("close dial connection: %v", errClose)
		}
	}()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// SSHTunnelHint returns a port-forward command for reaching the loopback
// sign-in listener when the client runs inside an SSH session, or "" when it
// runs locally. sshConnection is the value of SSH_CONNECTION.
func SSHTunnelHint(port int, sshConnection string) string {
	fields := strings.Fields(sshConnection)
	if len(fields) < 4 || port <= 0 {
		return ""
	}
	host, sshPort := fields[2], fields[3]
	if ip := net.ParseIP(host); ip == nil || ip.IsLoopback() {
		if detected, err := outboundIP(); err == nil {
			host = detected
		}
	}
	user := strings.TrimSpace(os.Getenv("USER"))
	if user == "" {
		user = "<user>"
	}
	return fmt.Sprintf("ssh -L %d:127.0.0.1:%d %s@%s -p %s", port, port, user, host, sshPort)
}

// PrintSSHTunnelInstructions prints SSHTunnelHint for the current process, if any.
func PrintSSHTunnelInstructions(port int) {
	hint := SSHTunnelHint(port, os.Getenv("SSH_CONNECTION"))
	if hint == "" {
		return
	}
	fmt.Println("The sign-in callback listens on this machine. From your local machine, forward it first:")
	fmt.Println()
	fmt.Println("  " + hint)
	fmt.Println()
}
