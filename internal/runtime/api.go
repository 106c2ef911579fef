package runtime

import (
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/wardenproject/warden/internal/approval"
	"github.com/wardenproject/warden/internal/audit"
	"github.com/wardenproject/warden/internal/capability"
	"github.com/wardenproject/warden/internal/objects"
	"github.com/wardenproject/warden/internal/renderer"
	"github.com/wardenproject/warden/internal/shared/id"
	"github.com/wardenproject/warden/internal/txn"
)

// bindSurface installs the mediated `browser` object and `console`
// into the VM. Every operation funnels through execution.mediate — the
// single path to the broker and the audit log.
func (e *execution) bindSurface() error {
	vm := e.vm

	browser := vm.NewObject()

	tabs := vm.NewObject()
	tabs.Set("open", e.fn(e.tabOpen))
	tabs.Set("get", e.fn(e.tabGet))
	tabs.Set("list", e.fn(e.tabList))
	tabs.Set("navigate", e.fn(e.tabNavigate))
	tabs.Set("waitFor", e.fn(e.tabWaitFor))
	tabs.Set("extract", e.fn(e.tabExtract))
	tabs.Set("close", e.fn(e.tabClose))
	browser.Set("tabs", tabs)

	forms := vm.NewObject()
	forms.Set("find", e.fn(e.formFind))
	forms.Set("get", e.fn(e.formGet))
	forms.Set("fill", e.fn(e.formFill))
	forms.Set("clear", e.fn(e.formClear))
	forms.Set("submit", e.fn(e.formSubmit))
	browser.Set("forms", forms)

	workspaces := vm.NewObject()
	workspaces.Set("create", e.fn(e.workspaceCreate))
	workspaces.Set("get", e.fn(e.workspaceGet))
	workspaces.Set("list", e.fn(e.workspaceList))
	workspaces.Set("addTab", e.fn(e.workspaceAddTab))
	workspaces.Set("removeTab", e.fn(e.workspaceRemoveTab))
	browser.Set("workspaces", workspaces)

	credentials := vm.NewObject()
	credentials.Set("list", e.fn(e.credentialList))
	credentials.Set("use", e.fn(e.credentialUse))
	browser.Set("credentials", credentials)

	downloads := vm.NewObject()
	downloads.Set("list", e.fn(e.downloadList))
	downloads.Set("get", e.fn(e.downloadGet))
	browser.Set("downloads", downloads)

	auditObj := vm.NewObject()
	auditObj.Set("query", e.fn(e.auditQuery))
	browser.Set("audit", auditObj)

	human := vm.NewObject()
	human.Set("approve", e.fn(e.humanApprove))
	browser.Set("human", human)

	browser.Set("transaction", e.fn(e.transaction))

	if err := vm.Set("browser", browser); err != nil {
		return err
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		level := level
		console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, a.String())
			}
			e.console = append(e.console, level+": "+strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	return vm.Set("console", console)
}

// fn adapts an operation to a JS function. Kernel errors become thrown
// JS errors and are remembered for result classification.
func (e *execution) fn(impl func(call goja.FunctionCall) (any, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v, err := impl(call)
		if err != nil {
			e.rememberErr(err)
			panic(e.vm.NewGoError(err))
		}
		if v == nil {
			return goja.Undefined()
		}
		return e.vm.ToValue(v)
	}
}

func argString(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func argStringMap(call goja.FunctionCall, i int) map[string]string {
	out := make(map[string]string)
	exported := call.Argument(i).Export()
	if m, ok := exported.(map[string]any); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// --- Tabs ---

func tabView(o objects.Object) map[string]any {
	return map[string]any{
		"id":         o.ID.String(),
		"url":        o.Attrs["url"],
		"title":      o.Attrs["title"],
		"load_state": o.Attrs["load_state"],
		"workspace":  o.Attrs["workspace_id"],
	}
}

func (e *execution) tabOpen(call goja.FunctionCall) (any, error) {
	url := argString(call, 0)
	workspace := argString(call, 1)
	return e.mediate(mediatedOp{
		name:     "tab.open",
		tier:     capability.TierStateful,
		resource: "tab:*",
		url:      url,
		args:     map[string]any{"url": url, "workspace": workspace},
	}, func(m *mediatedOp) (any, error) {
		tab := e.rt.objects.Create(id.Tab, objects.Attrs{
			"url":          url,
			"title":        "",
			"load_state":   objects.LoadStateLoading,
			"workspace_id": workspace,
			"created_at":   e.rt.now().UnixMilli(),
		})
		e.recordCreate(tab.ID)
		m.object = tab.ID.String()

		state, err := e.navigateWithRetry(tab.ID, url)
		if err != nil {
			return nil, err
		}
		updated, err := e.rt.objects.Update(tab.ID, objects.Attrs{"load_state": string(state)})
		if err != nil {
			return nil, err
		}
		if workspace != "" {
			if err := e.workspaceAttach(id.ObjectID(workspace), tab.ID); err != nil {
				return nil, err
			}
		}
		return tabView(updated), nil
	})
}

func (e *execution) tabGet(call goja.FunctionCall) (any, error) {
	tabID := argString(call, 0)
	return e.mediate(mediatedOp{
		name:     "tab.read",
		tier:     capability.TierRead,
		resource: tabID,
		object:   tabID,
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(tabID, id.Tab)
		if err != nil {
			return nil, err
		}
		return tabView(o), nil
	})
}

func (e *execution) tabList(call goja.FunctionCall) (any, error) {
	return e.mediate(mediatedOp{
		name:     "tab.list",
		tier:     capability.TierRead,
		resource: "tab:*",
	}, func(m *mediatedOp) (any, error) {
		tabs := e.rt.objects.ListByType(id.Tab)
		out := make([]any, 0, len(tabs))
		for _, t := range tabs {
			out = append(out, tabView(t))
		}
		return out, nil
	})
}

func (e *execution) tabNavigate(call goja.FunctionCall) (any, error) {
	tabID := argString(call, 0)
	url := argString(call, 1)
	return e.mediate(mediatedOp{
		name:     "tab.navigate",
		tier:     capability.TierStateful,
		resource: tabID,
		object:   tabID,
		url:      url,
		args:     map[string]any{"url": url},
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(tabID, id.Tab)
		if err != nil {
			return nil, err
		}
		e.recordMutation(o.ID)
		state, err := e.navigateWithRetry(o.ID, url)
		if err != nil {
			return nil, err
		}
		_, err = e.rt.objects.Update(o.ID, objects.Attrs{
			"url":        url,
			"load_state": string(state),
		})
		return map[string]any{"ok": err == nil, "load_state": string(state)}, err
	})
}

func (e *execution) tabWaitFor(call goja.FunctionCall) (any, error) {
	tabID := argString(call, 0)
	state := argString(call, 1)
	if state == "" {
		state = objects.LoadStateInteractive
	}
	return e.mediate(mediatedOp{
		name:     "tab.read",
		tier:     capability.TierRead,
		resource: tabID,
		object:   tabID,
		args:     map[string]any{"state": state},
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(tabID, id.Tab)
		if err != nil {
			return nil, err
		}
		e.recordMutation(o.ID)
		_, err = e.rt.objects.Update(o.ID, objects.Attrs{"load_state": state})
		return map[string]any{"ok": err == nil}, err
	})
}

func (e *execution) tabExtract(call goja.FunctionCall) (any, error) {
	tabID := argString(call, 0)
	kind := argString(call, 1)
	if kind == "" {
		kind = string(renderer.KindMarkdown)
	}
	return e.mediate(mediatedOp{
		name:     "tab.extract",
		tier:     capability.TierRead,
		resource: tabID,
		object:   tabID,
		args:     map[string]any{"kind": kind},
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(tabID, id.Tab)
		if err != nil {
			return nil, err
		}
		var ext *renderer.Extraction
		err = e.withRetry(func() error {
			var rerr error
			ext, rerr = e.rt.renderer.Extract(e.ctx, o.ID, renderer.Kind(kind))
			return rerr
		})
		if err != nil {
			return nil, err
		}
		view := extractionView(ext)
		// Everything the page produced is web content.
		e.taint.Record(view, audit.ProvenanceWebContent)
		return view, nil
	})
}

func extractionView(ext *renderer.Extraction) map[string]any {
	view := map[string]any{
		"kind":  string(ext.Kind),
		"url":   ext.URL,
		"title": ext.Title,
	}
	switch ext.Kind {
	case renderer.KindMarkdown:
		view["markdown"] = ext.Markdown
		view["word_count"] = ext.WordCount
	case renderer.KindForms:
		forms := make([]any, 0, len(ext.Forms))
		for _, f := range ext.Forms {
			fields := make([]any, 0, len(f.Fields))
			for _, name := range f.Fields {
				fields = append(fields, name)
			}
			forms = append(forms, map[string]any{
				"kind":   f.Kind,
				"action": f.Action,
				"method": f.Method,
				"fields": fields,
			})
		}
		view["forms"] = forms
	case renderer.KindTables:
		tables := make([]any, 0, len(ext.Tables))
		for _, tbl := range ext.Tables {
			rows := make([]any, 0, len(tbl))
			for _, row := range tbl {
				cells := make([]any, 0, len(row))
				for _, c := range row {
					cells = append(cells, c)
				}
				rows = append(rows, cells)
			}
			tables = append(tables, rows)
		}
		view["tables"] = tables
	case renderer.KindLinks:
		links := make([]any, 0, len(ext.Links))
		for _, l := range ext.Links {
			links = append(links, map[string]any{"href": l.Href, "text": l.Text})
		}
		view["links"] = links
	}
	return view
}

func (e *execution) tabClose(call goja.FunctionCall) (any, error) {
	tabID := argString(call, 0)
	return e.mediate(mediatedOp{
		name:     "tab.close",
		tier:     capability.TierStateful,
		resource: tabID,
		object:   tabID,
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(tabID, id.Tab)
		if err != nil {
			return nil, err
		}
		if err := e.rt.renderer.Dispose(e.ctx, o.ID); err != nil {
			return nil, err
		}
		// Disposal is not undone by rollback; the ID is burned.
		if err := e.rt.objects.Dispose(o.ID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

// --- Forms ---

func formView(o objects.Object) map[string]any {
	fieldNames := make([]any, 0)
	if fields, ok := o.Attrs["fields"].(map[string]any); ok {
		for name := range fields {
			fieldNames = append(fieldNames, name)
		}
	}
	return map[string]any{
		"id":        o.ID.String(),
		"tab_id":    o.Attrs["tab_id"],
		"kind":      o.Attrs["kind"],
		"fields":    fieldNames,
		"submitted": o.Attrs["submitted"],
	}
}

func (e *execution) formFind(call goja.FunctionCall) (any, error) {
	tabID := argString(call, 0)
	kind := argString(call, 1)
	if kind == "" {
		kind = "generic"
	}
	if !objects.KnownFormKind(kind) {
		return nil, ValidationError{Rule: "form-kind", Message: "unknown form kind " + kind}
	}
	return e.mediate(mediatedOp{
		name:     "form.find",
		tier:     capability.TierRead,
		resource: tabID + ":*",
		args:     map[string]any{"tab_id": tabID, "kind": kind},
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(tabID, id.Tab)
		if err != nil {
			return nil, err
		}
		var ext *renderer.Extraction
		err = e.withRetry(func() error {
			var rerr error
			ext, rerr = e.rt.renderer.Extract(e.ctx, o.ID, renderer.KindForms)
			return rerr
		})
		if err != nil {
			return nil, err
		}
		fields := objects.Attrs{}
		found := false
		for _, f := range ext.Forms {
			if f.Kind == kind {
				for _, name := range f.Fields {
					fields[name] = ""
				}
				found = true
				break
			}
		}
		if !found && kind != "generic" {
			return nil, &objects.NotFoundError{ID: id.ObjectID(tabID + "#" + kind)}
		}
		form := e.rt.objects.Create(id.Form, objects.Attrs{
			"tab_id":    tabID,
			"kind":      kind,
			"fields":    map[string]any(fields),
			"submitted": false,
		})
		e.recordCreate(form.ID)
		m.object = form.ID.String()
		return formView(form), nil
	})
}

func (e *execution) formGet(call goja.FunctionCall) (any, error) {
	formID := argString(call, 0)
	return e.mediate(mediatedOp{
		name:     "form.read",
		tier:     capability.TierRead,
		resource: formID,
		object:   formID,
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(formID, id.Form)
		if err != nil {
			return nil, err
		}
		return formView(o), nil
	})
}

func (e *execution) formFill(call goja.FunctionCall) (any, error) {
	formID := argString(call, 0)
	values := argStringMap(call, 1)
	keys := make([]any, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return e.mediate(mediatedOp{
		name:     "form.fill",
		tier:     capability.TierStateful,
		resource: formID,
		object:   formID,
		// Field names only; values never reach the audit log.
		args: map[string]any{"fields": keys},
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(formID, id.Form)
		if err != nil {
			return nil, err
		}
		e.recordMutation(o.ID)
		fields, _ := o.Attrs["fields"].(map[string]any)
		next := make(map[string]any, len(fields)+len(values))
		for k, v := range fields {
			next[k] = v
		}
		for k, v := range values {
			next[k] = v
		}
		_, err = e.rt.objects.Update(o.ID, objects.Attrs{"fields": next})
		return map[string]any{"ok": err == nil}, err
	})
}

func (e *execution) formClear(call goja.FunctionCall) (any, error) {
	formID := argString(call, 0)
	return e.mediate(mediatedOp{
		name:     "form.fill",
		tier:     capability.TierStateful,
		resource: formID,
		object:   formID,
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(formID, id.Form)
		if err != nil {
			return nil, err
		}
		e.recordMutation(o.ID)
		fields, _ := o.Attrs["fields"].(map[string]any)
		cleared := make(map[string]any, len(fields))
		for k := range fields {
			cleared[k] = ""
		}
		_, err = e.rt.objects.Update(o.ID, objects.Attrs{"fields": cleared})
		return map[string]any{"ok": err == nil}, err
	})
}

func (e *execution) formSubmit(call goja.FunctionCall) (any, error) {
	formID := argString(call, 0)
	// The filled field values are arguments of the submission for
	// firewall purposes: web-content derived values must not drive it.
	var filled []any
	if o, err := e.rt.objects.Get(id.ObjectID(formID)); err == nil {
		if fields, ok := o.Attrs["fields"].(map[string]any); ok {
			for _, v := range fields {
				filled = append(filled, v)
			}
		}
	}
	return e.mediate(mediatedOp{
		name:      "form.submit",
		tier:      capability.TierIrreversible,
		resource:  formID,
		object:    formID,
		taintArgs: append([]any{formID}, filled...),
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(formID, id.Form)
		if err != nil {
			return nil, err
		}
		e.recordMutation(o.ID)
		if _, err := e.rt.objects.Update(o.ID, objects.Attrs{"submitted": true}); err != nil {
			return nil, err
		}
		return map[string]any{"submitted": true, "form_id": formID}, nil
	})
}

// --- Workspaces ---

func workspaceView(o objects.Object) map[string]any {
	return map[string]any{
		"id":         o.ID.String(),
		"name":       o.Attrs["name"],
		"tab_ids":    o.Attrs["tab_ids"],
		"policy_ref": o.Attrs["policy_ref"],
	}
}

func (e *execution) workspaceCreate(call goja.FunctionCall) (any, error) {
	name := argString(call, 0)
	return e.mediate(mediatedOp{
		name:     "workspace.create",
		tier:     capability.TierStateful,
		resource: "workspace:*",
		args:     map[string]any{"name": name},
	}, func(m *mediatedOp) (any, error) {
		ws := e.rt.objects.Create(id.Workspace, objects.Attrs{
			"name":           name,
			"tab_ids":        []any{},
			"credential_ids": []any{},
			"policy_ref":     "",
		})
		e.recordCreate(ws.ID)
		m.object = ws.ID.String()
		return workspaceView(ws), nil
	})
}

func (e *execution) workspaceGet(call goja.FunctionCall) (any, error) {
	wsID := argString(call, 0)
	return e.mediate(mediatedOp{
		name:     "workspace.read",
		tier:     capability.TierRead,
		resource: wsID,
		object:   wsID,
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(wsID, id.Workspace)
		if err != nil {
			return nil, err
		}
		return workspaceView(o), nil
	})
}

func (e *execution) workspaceList(call goja.FunctionCall) (any, error) {
	return e.mediate(mediatedOp{
		name:     "workspace.list",
		tier:     capability.TierRead,
		resource: "workspace:*",
	}, func(m *mediatedOp) (any, error) {
		list := e.rt.objects.ListByType(id.Workspace)
		out := make([]any, 0, len(list))
		for _, ws := range list {
			out = append(out, workspaceView(ws))
		}
		return out, nil
	})
}

func (e *execution) workspaceAddTab(call goja.FunctionCall) (any, error) {
	wsID := argString(call, 0)
	tabID := argString(call, 1)
	return e.mediate(mediatedOp{
		name:     "workspace.update",
		tier:     capability.TierStateful,
		resource: wsID,
		object:   wsID,
		args:     map[string]any{"tab_id": tabID},
	}, func(m *mediatedOp) (any, error) {
		if err := e.workspaceAttach(id.ObjectID(wsID), id.ObjectID(tabID)); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

func (e *execution) workspaceRemoveTab(call goja.FunctionCall) (any, error) {
	wsID := argString(call, 0)
	tabID := argString(call, 1)
	return e.mediate(mediatedOp{
		name:     "workspace.update",
		tier:     capability.TierStateful,
		resource: wsID,
		object:   wsID,
		args:     map[string]any{"tab_id": tabID},
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(wsID, id.Workspace)
		if err != nil {
			return nil, err
		}
		e.recordMutation(o.ID)
		tabs, _ := o.Attrs["tab_ids"].([]any)
		next := make([]any, 0, len(tabs))
		for _, t := range tabs {
			if t != tabID {
				next = append(next, t)
			}
		}
		_, err = e.rt.objects.Update(o.ID, objects.Attrs{"tab_ids": next})
		return map[string]any{"ok": err == nil}, err
	})
}

// workspaceAttach adds a tab to a workspace's tab set, inside the
// mediation of the calling op.
func (e *execution) workspaceAttach(wsID, tabID id.ObjectID) error {
	o, err := e.requireTyped(wsID.String(), id.Workspace)
	if err != nil {
		return err
	}
	e.recordMutation(o.ID)
	tabs, _ := o.Attrs["tab_ids"].([]any)
	for _, t := range tabs {
		if t == tabID.String() {
			return nil
		}
	}
	_, err = e.rt.objects.Update(o.ID, objects.Attrs{"tab_ids": append(tabs, tabID.String())})
	return err
}

// --- Credentials ---

func (e *execution) credentialList(call goja.FunctionCall) (any, error) {
	return e.mediate(mediatedOp{
		name:     "credential.list",
		tier:     capability.TierRead,
		resource: "cred:*",
	}, func(m *mediatedOp) (any, error) {
		creds := e.rt.objects.ListByType(id.Credential)
		out := make([]any, 0, len(creds))
		for _, c := range creds {
			// Opaque handles only; secret material never crosses
			// the mediated API.
			out = append(out, map[string]any{
				"id":   c.ID.String(),
				"name": c.Attrs["name"],
			})
		}
		return out, nil
	})
}

func (e *execution) credentialUse(call goja.FunctionCall) (any, error) {
	credID := argString(call, 0)
	return e.mediate(mediatedOp{
		name:      "credential.use",
		tier:      capability.TierIrreversible,
		resource:  credID,
		object:    credID,
		taintArgs: []any{credID},
	}, func(m *mediatedOp) (any, error) {
		if _, err := e.requireTyped(credID, id.Credential); err != nil {
			return nil, err
		}
		// A bearer reference, never the secret itself.
		return map[string]any{"bearer_ref": id.Default().GenerateWithPrefix("bearer")}, nil
	})
}

// --- Downloads ---

func (e *execution) downloadList(call goja.FunctionCall) (any, error) {
	return e.mediate(mediatedOp{
		name:     "download.list",
		tier:     capability.TierRead,
		resource: "download:*",
	}, func(m *mediatedOp) (any, error) {
		list := e.rt.objects.ListByType(id.Download)
		out := make([]any, 0, len(list))
		for _, d := range list {
			out = append(out, map[string]any{
				"id":    d.ID.String(),
				"url":   d.Attrs["url"],
				"state": d.Attrs["state"],
			})
		}
		return out, nil
	})
}

func (e *execution) downloadGet(call goja.FunctionCall) (any, error) {
	dlID := argString(call, 0)
	return e.mediate(mediatedOp{
		name:     "download.read",
		tier:     capability.TierRead,
		resource: dlID,
		object:   dlID,
	}, func(m *mediatedOp) (any, error) {
		o, err := e.requireTyped(dlID, id.Download)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"id":    o.ID.String(),
			"url":   o.Attrs["url"],
			"state": o.Attrs["state"],
		}, nil
	})
}

// --- Audit, approval, transactions ---

func (e *execution) auditQuery(call goja.FunctionCall) (any, error) {
	filter := argStringMap(call, 0)
	return e.mediate(mediatedOp{
		name:     "audit.query",
		tier:     capability.TierRead,
		resource: "*",
	}, func(m *mediatedOp) (any, error) {
		entries, err := e.rt.audit.Query(audit.Filter{
			// Agents only see their own stream.
			Principal: e.principal,
			Op:        filter["op"],
			Object:    filter["object"],
			TxID:      filter["tx_id"],
		})
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(entries))
		for _, en := range entries {
			out = append(out, map[string]any{
				"id":         en.ID,
				"op":         en.Op,
				"object":     en.Object,
				"result":     string(en.Result),
				"error_kind": en.ErrorKind,
				"tx_id":      en.TxID,
			})
		}
		return out, nil
	})
}

func (e *execution) humanApprove(call goja.FunctionCall) (any, error) {
	message := argString(call, 0)
	return e.mediate(mediatedOp{
		name:     "human.approve",
		tier:     capability.TierRead,
		resource: "*",
		args:     map[string]any{"message": message},
	}, func(m *mediatedOp) (any, error) {
		decision, err := e.rt.approver.Approve(e.ctx, approval.Prompt{
			Principal: e.principal,
			Message:   message,
			Tier:      capability.TierRead,
		})
		if err != nil {
			return nil, err
		}
		return decision != approval.Deny, nil
	})
}

// transaction runs fn inside a new transaction frame with a guaranteed
// settle: explicit commit survives, every other exit path aborts.
func (e *execution) transaction(call goja.FunctionCall) (any, error) {
	fnArg, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return nil, ValidationError{Rule: "transaction", Message: "transaction(fn) requires a callback"}
	}
	if err := e.checkBudget("transaction.begin"); err != nil {
		return nil, err
	}

	tx, err := e.rt.txns.Begin(e.tx)
	if err != nil {
		return nil, err
	}
	prev := e.tx
	e.tx = tx
	if prev == nil {
		e.topTx = tx
	}

	defer func() {
		e.tx = prev
		if prev == nil {
			e.topTx = nil
		}
		// Scope guard: anything still active on exit is aborted,
		// whether the exit was normal, an error, or a cancellation.
		if tx.State() == txn.StateActive {
			_ = tx.Abort("scope_exit")
		}
	}()

	handle := e.vm.NewObject()
	handle.Set("id", tx.ID())
	handle.Set("checkpoint", e.fn(func(c goja.FunctionCall) (any, error) {
		cpID, err := tx.Checkpoint(argString(c, 0))
		if err != nil {
			return nil, err
		}
		return cpID.String(), nil
	}))
	handle.Set("rollback", e.fn(func(c goja.FunctionCall) (any, error) {
		return nil, tx.Rollback(argString(c, 0))
	}))
	handle.Set("commit", e.fn(func(c goja.FunctionCall) (any, error) {
		return nil, tx.Commit()
	}))
	handle.Set("abort", e.fn(func(c goja.FunctionCall) (any, error) {
		return nil, tx.Abort("agent")
	}))

	ret, err := fnArg(goja.Undefined(), handle)
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, nil
	}
	return ret.Export(), nil
}

// navigateWithRetry drives the renderer with bounded exponential
// backoff on transient failures. Capability errors never take this
// path.
func (e *execution) navigateWithRetry(tabID id.ObjectID, url string) (renderer.LoadState, error) {
	var state renderer.LoadState
	err := e.withRetry(func() error {
		var rerr error
		state, rerr = e.rt.renderer.Navigate(e.ctx, tabID, url)
		return rerr
	})
	return state, err
}

func (e *execution) withRetry(fn func() error) error {
	attempts := e.rt.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := 10 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		rerr, ok := err.(*renderer.Error)
		if !ok || !rerr.Transient {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-e.ctx.Done():
			return err
		}
		backoff *= 2
	}
	return err
}

// requireTyped fetches an object and checks its type tag.
func (e *execution) requireTyped(oid string, want id.Type) (objects.Object, error) {
	parsed, err := id.Parse(oid)
	if err != nil {
		return objects.Object{}, &objects.NotFoundError{ID: id.ObjectID(oid)}
	}
	if parsed.Type() != want {
		return objects.Object{}, &objects.NotFoundError{ID: parsed}
	}
	return e.rt.objects.Get(parsed)
}
