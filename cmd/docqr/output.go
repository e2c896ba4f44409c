package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"docqr/internal/domain"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printStatus(st domain.DocumentStatus) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	released := ""
	if st.ReleasedAt != nil {
		released = st.ReleasedAt.Format(time.RFC3339)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Document", st.DocUID},
		{"Revision", st.Revision},
		{"Page", st.Page},
		{"Business status", st.BusinessStatus},
		{"ENOVIA state", st.EnoviaState},
		{"Actual", yesNo(st.IsActual)},
		{"Released", released},
		{"Superseded by", st.SupersededBy},
		{"Open document", st.Links.OpenDocument},
		{"Open latest", st.Links.OpenLatest},
	})
	tw.Render()
	return nil
}

func printRevisions(revs []domain.Revision) error {
	if viper.GetBool("json") {
		return printJSON(revs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Document", "Revision", "Pages", "Status", "ENOVIA", "Actual", "Superseded by", "Updated"})
	for _, r := range revs {
		sup := ""
		if r.SupersededBy != nil {
			sup = *r.SupersededBy
		}
		tw.AppendRow(table.Row{r.DocUID, r.Revision, r.Pages, r.BusinessStatus, r.EnoviaState, yesNo(r.IsActual()), sup, r.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printEvents(evts []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(evts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Document", "Revision", "Actor", "Payload"})
	for _, e := range evts {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.DocUID, e.Revision, e.ActorID, e.PayloadRaw})
	}
	tw.Render()
	return nil
}
