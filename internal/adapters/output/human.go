package output

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/mikey-austin/pubsub/internal/core"
)

// HumanPrinter prints human-readable output.
type HumanPrinter struct {
	Out   io.Writer
	Quiet bool
}

// Print renders human output.
func (p HumanPrinter) Print(v any) error {
	out := writerOrStdout(p.Out)
	switch data := v.(type) {
	case core.NodesResult:
		return printNodes(out, data)
	case core.AckResult:
		if p.Quiet {
			return nil
		}
		return printAck(out, data)
	case core.GetResult:
		return p.printGet(out, data)
	case core.SyncResult:
		if p.Quiet {
			return nil
		}
		return printSync(out, data)
	default:
		_, err := fmt.Fprintln(out, "ok")
		return err
	}
}

func printNodes(out io.Writer, result core.NodesResult) error {
	if len(result.Nodes) == 0 {
		pterm.Info.WithWriter(out).Println("no nodes online")
		return nil
	}
	data := pterm.TableData{{"NAME", "KIND", "NODE_ID"}}
	for _, node := range result.Nodes {
		data = append(data, []string{node.Name, node.Kind, node.NodeID})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}

func printAck(out io.Writer, result core.AckResult) error {
	success := pterm.Success.WithWriter(out)
	switch result.Op {
	case "sub":
		success.Printfln("subscribed to %s", result.Topic)
	case "unsub":
		success.Printfln("unsubscribed from %s", result.Topic)
	case "put":
		success.Printfln("published to %s (seq %d)", result.Topic, result.Seq)
	default:
		success.Println(result.Op)
	}
	return nil
}

// printGet writes content bare so it can be piped.
func (p HumanPrinter) printGet(out io.Writer, result core.GetResult) error {
	if result.Content == nil {
		if !p.Quiet {
			pterm.Info.WithWriter(out).Printfln("%s: no new updates", result.Topic)
		}
		return nil
	}
	_, err := fmt.Fprintln(out, *result.Content)
	return err
}

func printSync(out io.Writer, result core.SyncResult) error {
	pterm.Success.WithWriter(out).Printfln("synced %d topic(s) with %s", len(result.Topics), result.Node)
	if len(result.Topics) == 0 {
		return nil
	}
	names := make([]string, 0, len(result.Topics))
	for name := range result.Topics {
		names = append(names, name)
	}
	sort.Strings(names)
	data := pterm.TableData{{"TOPIC", "NEXT_SEQ"}}
	for _, name := range names {
		data = append(data, []string{name, strconv.FormatUint(result.Topics[name], 10)})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}
