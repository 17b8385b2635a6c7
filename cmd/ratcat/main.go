// Command ratcat sends and receives message payloads through a running
// ratmand process over its IPC socket (spec §4.7 send/recv namespaces).
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/ratman-router/ratman/internal/config"
	"github.com/ratman-router/ratman/pkg/ipc"
	"github.com/ratman-router/ratman/pkg/rid"
)

var opt struct {
	Help      bool
	IPCAddr   string
	Namespace bool
	Subscribe bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.IPCAddr, "ipc-addr", config.Default().IPCAddr, "IPC microframe socket address")
	pflag.BoolVar(&opt.Namespace, "namespace", false, "Treat the send recipient as a namespace rather than an address")
	pflag.BoolVar(&opt.Subscribe, "subscribe", false, "Stream every delivery to addr instead of reading one")
}

const usage = `usage:
  %[1]s [options] send <from_addr> <to_addr_or_ns>      (payload read from stdin)
  %[1]s [options] recv <addr> <client_id> <token>       (payload written to stdout)

options:
%s`

func main() {
	pflag.Parse()
	if opt.Help || pflag.NArg() < 1 {
		fmt.Printf(usage, os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cl, err := ipc.Dial(opt.IPCAddr)
	if err != nil {
		fatalf("dial %s: %v", opt.IPCAddr, err)
	}
	defer cl.Close()

	args := pflag.Args()
	switch args[0] {
	case "send":
		runSend(cl, args[1:])
	case "recv":
		runRecv(cl, args[1:])
	default:
		fatalf("unknown command %q", args[0])
	}
}

func runSend(cl *ipc.Client, args []string) {
	if len(args) != 2 {
		fatalf("send: usage: send <from_addr> <to_addr_or_ns>")
	}
	from, err := rid.ParseAddress(args[0])
	if err != nil {
		fatalf("parse from address: %v", err)
	}
	to, err := rid.ParseIdent32(args[1])
	if err != nil {
		fatalf("parse recipient: %v", err)
	}
	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatalf("read stdin: %v", err)
	}
	if err := cl.SendOne(from, to, opt.Namespace, payload); err != nil {
		fatalf("send: %v", err)
	}
}

func runRecv(cl *ipc.Client, args []string) {
	if len(args) != 3 {
		fatalf("recv: usage: recv <addr> <client_id> <token>")
	}
	addr, err := rid.ParseAddress(args[0])
	if err != nil {
		fatalf("parse addr: %v", err)
	}
	clientID, err := rid.ParseIdent32(args[1])
	if err != nil {
		fatalf("parse client_id: %v", err)
	}
	token, err := rid.ParseIdent32(args[2])
	if err != nil {
		fatalf("parse token: %v", err)
	}
	auth := ipc.Auth{ClientID: clientID, Token: token}

	if !opt.Subscribe {
		d, err := cl.RecvOne(auth, addr)
		if err != nil {
			fatalf("recv: %v", err)
		}
		os.Stdout.Write(d.Payload)
		return
	}

	if err := cl.RecvSubscribe(auth, addr); err != nil {
		fatalf("recv subscribe: %v", err)
	}
	for {
		d, err := cl.ReadPush()
		if err != nil {
			fatalf("recv: %v", err)
		}
		os.Stdout.Write(d.Payload)
	}
}

func fatalf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	os.Exit(1)
}
