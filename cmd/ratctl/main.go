// Command ratctl manages addresses, routes, and links on a running
// ratmand process over its IPC socket (spec §4.7, §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/ratman-router/ratman/internal/config"
	"github.com/ratman-router/ratman/pkg/ipc"
	"github.com/ratman-router/ratman/pkg/rid"
)

var opt struct {
	Help    bool
	IPCAddr string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.IPCAddr, "ipc-addr", config.Default().IPCAddr, "IPC microframe socket address")
}

const usage = `usage: %s [options] <command> [args...]

commands:
  addr create [name] [namespace]   mint a new local address
  addr up <addr> <client_id> <token>
  addr down <addr> <client_id> <token>
  addr delete <addr> <client_id> <token>
  addr list [namespace]
  peer list
  status
  link up <id>
  link down <id>
  link remove <id>

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
	case "addr":
		runAddr(cl, args[1:])
	case "peer":
		runPeer(cl, args[1:])
	case "status":
		runStatus(cl)
	case "link":
		runLink(cl, args[1:])
	default:
		fatalf("unknown command %q", args[0])
	}
}

func runAddr(cl *ipc.Client, args []string) {
	if len(args) < 1 {
		fatalf("addr: missing subcommand")
	}
	switch args[0] {
	case "create":
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		var ns rid.Ident32
		hasNS := false
		if len(args) > 2 {
			var err error
			ns, err = rid.ParseIdent32(args[2])
			if err != nil {
				fatalf("parse namespace: %v", err)
			}
			hasNS = true
		}
		addr, auth, err := cl.AddrCreate(name, ns, hasNS)
		if err != nil {
			fatalf("addr create: %v", err)
		}
		fmt.Printf("address:   %s\nclient_id: %s\ntoken:     %s\n", addr, auth.ClientID, auth.Token)
	case "up", "down", "delete":
		if len(args) != 4 {
			fatalf("addr %s: usage: addr %s <addr> <client_id> <token>", args[0], args[0])
		}
		auth, addr := parseAuthArgs(args[1], args[2], args[3])
		var err error
		switch args[0] {
		case "up":
			err = cl.AddrUp(auth, addr)
		case "down":
			err = cl.AddrDown(auth, addr)
		case "delete":
			err = cl.AddrDelete(auth, addr)
		}
		if err != nil {
			fatalf("addr %s: %v", args[0], err)
		}
		fmt.Println("ok")
	case "list":
		ns := ""
		if len(args) > 1 {
			ns = args[1]
		}
		rows, err := cl.AddrList(ns)
		if err != nil {
			fatalf("addr list: %v", err)
		}
		for _, r := range rows {
			fmt.Printf("%s  namespace=%q  active=%v\n", r.Address, r.Namespace, r.Active)
		}
	default:
		fatalf("addr: unknown subcommand %q", args[0])
	}
}

func runPeer(cl *ipc.Client, args []string) {
	if len(args) < 1 || args[0] != "list" {
		fatalf("peer: usage: peer list")
	}
	rows, err := cl.PeerList()
	if err != nil {
		fatalf("peer list: %v", err)
	}
	for _, r := range rows {
		fmt.Printf("%s  state=%d  trust=%d  last_seen=%s\n", r.Address, r.State, r.Trust, r.LastSeen.Format("2006-01-02T15:04:05Z07:00"))
	}
}

func runStatus(cl *ipc.Client) {
	st, err := cl.StatusSystem()
	if err != nil {
		fatalf("status: %v", err)
	}
	fmt.Printf("addrs:          %d\nroutes:         %d\nlinks:          %d\ncorrupt_blocks: %d\n", st.Addrs, st.Routes, st.Links, st.CorruptBlocks)
}

func runLink(cl *ipc.Client, args []string) {
	if len(args) != 2 {
		fatalf("link: usage: link <up|down|remove> <id>")
	}
	var err error
	switch args[0] {
	case "up":
		err = cl.LinkUp(args[1])
	case "down":
		err = cl.LinkDown(args[1])
	case "remove":
		err = cl.LinkRemove(args[1])
	default:
		fatalf("link: unknown subcommand %q", args[0])
	}
	if err != nil {
		fatalf("link %s: %v", args[0], err)
	}
	fmt.Println("ok")
}

func parseAuthArgs(addrStr, clientIDStr, tokenStr string) (ipc.Auth, rid.Address) {
	addr, err := rid.ParseAddress(addrStr)
	if err != nil {
		fatalf("parse addr: %v", err)
	}
	clientID, err := rid.ParseIdent32(clientIDStr)
	if err != nil {
		fatalf("parse client_id: %v", err)
	}
	token, err := rid.ParseIdent32(tokenStr)
	if err != nil {
		fatalf("parse token: %v", err)
	}
	return ipc.Auth{ClientID: clientID, Token: token}, addr
}

func fatalf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	os.Exit(1)
}
