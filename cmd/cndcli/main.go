// Command cndcli is a thin REST client for cnd's JSON/Siren HTTP API,
// mirroring the urfave/cli command style the teacher's cmd/dcrlncli uses for
// its RPC client.
package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "cndcli"
	app.Usage = "query and control a running cnd daemon over its HTTP API"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcserver",
			Value: "http://127.0.0.1:8000",
			Usage: "base URL of the cnd HTTP API",
		},
	}
	app.Commands = []cli.Command{
		identityCommand,
		listSwapsCommand,
		getSwapCommand,
		createSwapCommand,
		actionCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "cndcli:", err)
		os.Exit(1)
	}
}

var identityCommand = cli.Command{
	Name:  "identity",
	Usage: "show this node's peer id and listen addresses",
	Action: func(ctx *cli.Context) error {
		return getAndPrint(ctx, "/")
	},
}

var listSwapsCommand = cli.Command{
	Name:  "swaps",
	Usage: "list every swap cnd currently knows about",
	Action: func(ctx *cli.Context) error {
		return getAndPrint(ctx, "/swaps")
	},
}

var getSwapCommand = cli.Command{
	Name:      "swap",
	Usage:     "show one swap's current state",
	ArgsUsage: "<swap-id>",
	Action: func(ctx *cli.Context) error {
		id := ctx.Args().First()
		if id == "" {
			return cli.NewExitError("swap id is required", 1)
		}
		return getAndPrint(ctx, "/swaps/"+id)
	},
}

var createSwapCommand = cli.Command{
	Name:      "create",
	Usage:     "propose a new swap, reading the request body as JSON from a file or stdin",
	ArgsUsage: "<protocol> [request.json]",
	Action: func(ctx *cli.Context) error {
		protocol := ctx.Args().Get(0)
		if protocol == "" {
			return cli.NewExitError("protocol is required, e.g. rfc003", 1)
		}

		var body []byte
		var err error
		if path := ctx.Args().Get(1); path != "" {
			body, err = ioutil.ReadFile(path)
		} else {
			body, err = ioutil.ReadAll(os.Stdin)
		}
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}

		server := ctx.GlobalString("rpcserver")
		resp, err := http.Post(server+"/swaps/"+protocol, "application/json", strings.NewReader(string(body)))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer resp.Body.Close()

		if loc := resp.Header.Get("Location"); loc != "" {
			fmt.Println("Location:", loc)
		}
		return printBody(resp)
	},
}

var actionCommand = cli.Command{
	Name:      "action",
	Usage:     "trigger a swap action (fund, deploy, redeem, refund)",
	ArgsUsage: "<swap-id> <action>",
	Action: func(ctx *cli.Context) error {
		id := ctx.Args().Get(0)
		action := ctx.Args().Get(1)
		if id == "" || action == "" {
			return cli.NewExitError("swap id and action are required", 1)
		}

		server := ctx.GlobalString("rpcserver")
		resp, err := http.Post(server+"/swaps/"+id+"/"+action, "application/json", nil)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer resp.Body.Close()
		return printBody(resp)
	},
}

func getAndPrint(ctx *cli.Context, path string) error {
	server := ctx.GlobalString("rpcserver")
	resp, err := http.Get(server + path)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func printBody(resp *http.Response) error {
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return cli.NewExitError(fmt.Sprintf("decoding response: %v", err), 1)
	}
	pretty, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Println(string(pretty))
	if resp.StatusCode >= 400 {
		return cli.NewExitError(fmt.Sprintf("cnd returned status %d", resp.StatusCode), 1)
	}
	return nil
}
