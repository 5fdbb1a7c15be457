package router

import (
	"context"
	"sort"
	"time"

	"cupwatch/internal/runtime/supervisor"
	"cupwatch/internal/transport"
	"cupwatch/pkg/logx"
)

// menu lists the commands for the Telegram command menu and /help, in a
// stable order.
func (r *Router) menu() []transport.BotCommand {
	order := map[string]int{"start": 0, "check": 1, "subscribe": 2, "filter": 3, "cancel": 4, "list": 5, "done": 6, "help": 7}
	out := make([]transport.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		if !c.Menu {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, iok := order[out[i].Command]
		oj, jok := order[out[j].Command]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return out[i].Command < out[j].Command
	})
	return out
}

// publishMenu updates the Telegram command menu when the sender supports it.
// Best effort: a failure only costs autocomplete.
func (r *Router) publishMenu(sup *supervisor.Supervisor) {
	up, ok := r.out.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := r.menu()
	sup.Go0("telegram.menu.update", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			r.log.Warn("command menu update failed", logx.Err(err))
		}
	})
}
