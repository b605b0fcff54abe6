package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"chunkdrop/pkg/client"

	"github.com/docker/go-units"
)

// cliNotifier 把上传事件打印到终端
// Reload 对应页面刷新: 重新拉取并打印前缀下的对象列表
type cliNotifier struct {
	ctx    context.Context
	out    io.Writer
	errOut io.Writer
	prefix string
}

func (n *cliNotifier) Alert(err error) {
	fmt.Fprintf(n.errOut, "❌ %v\n", err)
}

func (n *cliNotifier) Reload() {
	objs, err := API.List(n.ctx, n.prefix)
	if err != nil {
		n.Alert(fmt.Errorf("reload listing: %w", err))
		return
	}
	printObjects(n.out, objs)
}

func printObjects(w io.Writer, objs []client.ObjectInfo) {
	if len(objs) == 0 {
		fmt.Fprintln(w, "(no objects)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIZE\tCOMMITTED\tTYPE\tKEY")
	for _, o := range objs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			units.BytesSize(float64(o.Size)),
			o.CommittedAt.Local().Format(time.DateTime),
			o.ContentType,
			o.Key,
		)
	}
	tw.Flush()
}
