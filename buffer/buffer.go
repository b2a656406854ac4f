package buffer

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"kbcoder/config"
	"kbcoder/engine"
	"kbcoder/logger"
	"kbcoder/preview"
	"kbcoder/types"

	"github.com/neovim/go-client/nvim"
)

// HighlightGroup marks text inserted by a running completion
const HighlightGroup = "Visual"

// RPC notification names sent by the Lua side
const (
	NotifyAutocomplete  = "kbcoder_autocomplete"
	NotifyCancel        = "kbcoder_cancel"
	NotifyBufClosed     = "kbcoder_buf_closed"
	NotifyConfigChanged = "kbcoder_config_changed"
	NotifyPreview       = "kbcoder_preview"
	NotifyPreviewCancel = "kbcoder_preview_cancel"
)

type Config struct {
	NsID int
}

// NvimBuffer implements engine.Editor over a Neovim RPC connection
type NvimBuffer struct {
	client *nvim.Nvim
	config Config

	mu       sync.Mutex
	progress map[string]float64 // session id -> reported percent
}

var _ engine.Editor = (*NvimBuffer)(nil)

func New(config Config) *NvimBuffer {
	return &NvimBuffer{
		config:   config,
		progress: make(map[string]float64),
	}
}

// SetClient stores the nvim client for all buffer operations
func (b *NvimBuffer) SetClient(n *nvim.Nvim) {
	b.client = n
}

const otherBuffersLua = `
local cur = vim.api.nvim_get_current_buf()
local out = {}
for _, buf in ipairs(vim.api.nvim_list_bufs()) do
	if buf ~= cur and vim.api.nvim_buf_is_loaded(buf) and vim.bo[buf].buftype == '' then
		local name = vim.api.nvim_buf_get_name(buf)
		if name ~= '' then
			table.insert(out, {
				id = buf,
				name = name,
				filetype = vim.bo[buf].filetype,
				text = table.concat(vim.api.nvim_buf_get_lines(buf, 0, -1, false), '\n'),
			})
		end
	end
end
return out
`

// Sync reads the current buffer, cursor and every other loaded file-backed buffer
func (b *NvimBuffer) Sync(workspacePath string) (*types.EditorState, error) {
	defer logger.Trace("buffer.Sync")()
	if b.client == nil {
		return nil, fmt.Errorf("nvim client not set")
	}

	// Use batch API to make all calls in a single round-trip
	batch := b.client.NewBatch()

	var currentBuf nvim.Buffer
	var path string
	var lines [][]byte
	var cursor [2]int
	var filetype string
	var nvimCwd string
	var others []map[string]any

	batch.CurrentBuffer(&currentBuf)
	batch.BufferName(nvim.Buffer(0), &path) // Use 0 for current buffer
	batch.BufferLines(nvim.Buffer(0), 0, -1, false, &lines)
	batch.WindowCursor(nvim.Window(0), &cursor) // Use 0 for current window
	batch.ExecLua(`return vim.bo.filetype`, &filetype, nil)
	batch.ExecLua(`return vim.fn.getcwd()`, &nvimCwd, nil)
	batch.ExecLua(otherBuffersLua, &others, nil)

	if err := batch.Execute(); err != nil {
		logger.Error("error executing sync batch: %v", err)
		return nil, err
	}

	linesStr := make([]string, len(lines))
	for i, line := range lines {
		linesStr[i] = string(line)
	}

	if nvimCwd == "" {
		nvimCwd = workspacePath
	}

	state := &types.EditorState{
		Target: types.Document{
			ID:       types.DocumentID(currentBuf),
			Path:     makeRelativeToWorkspace(path, nvimCwd),
			Language: filetype,
			Text:     strings.Join(linesStr, "\n"),
		},
		// nvim cursor rows are 1-based, columns 0-based bytes
		Cursor:      types.Position{Line: cursor[0] - 1, Character: cursor[1]},
		ProjectName: projectName(nvimCwd),
	}
	for _, o := range others {
		id := getNumber(o, "id")
		if id < 0 {
			continue
		}
		state.Others = append(state.Others, &types.Document{
			ID:       types.DocumentID(id),
			Path:     makeRelativeToWorkspace(getString(o, "name"), nvimCwd),
			Language: getString(o, "filetype"),
			Text:     getString(o, "text"),
		})
	}
	return state, nil
}

// Helper function to convert absolute path to relative workspace path
func makeRelativeToWorkspace(absolutePath, workspacePath string) string {
	absolutePath = filepath.Clean(absolutePath)
	workspacePath = filepath.Clean(workspacePath)

	// If the file is within the workspace, make it relative
	if relativePath, found := strings.CutPrefix(absolutePath, workspacePath); found {
		relativePath = strings.TrimPrefix(relativePath, string(filepath.Separator))
		return relativePath
	}

	return absolutePath
}

func projectName(cwd string) string {
	name := filepath.Base(filepath.Clean(cwd))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// InsertText inserts text at pos with a single nvim_buf_set_text call
func (b *NvimBuffer) InsertText(doc types.DocumentID, pos types.Position, text string) error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}

	parts := strings.Split(text, "\n")
	replacement := make([][]byte, len(parts))
	for i, p := range parts {
		replacement[i] = []byte(p)
	}

	batch := b.client.NewBatch()
	batch.SetBufferText(nvim.Buffer(doc), pos.Line, pos.Character, pos.Line, pos.Character, replacement)
	return batch.Execute()
}

const moveCursorLua = `
local buf, row, col = ...
local win = vim.fn.bufwinid(buf)
if win ~= -1 then
	vim.api.nvim_win_set_cursor(win, {row, col})
end
`

// SetSelection highlights anchor..active and moves the cursor of the window
// showing doc to active
func (b *NvimBuffer) SetSelection(doc types.DocumentID, anchor, active types.Position) error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}

	buf := nvim.Buffer(doc)
	batch := b.client.NewBatch()
	b.clearNamespace(batch, buf)
	if active != anchor {
		var markID int
		batch.SetBufferExtmark(buf, b.config.NsID, anchor.Line, anchor.Character, map[string]any{
			"end_row":  active.Line,
			"end_col":  active.Character,
			"hl_group": HighlightGroup,
		}, &markID)
	}
	batch.ExecLua(moveCursorLua, nil, int(doc), active.Line+1, active.Character)
	return batch.Execute()
}

// ReportProgress echoes the session's message and accumulated percentage
func (b *NvimBuffer) ReportProgress(p engine.Progress) error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}

	b.mu.Lock()
	pct := b.progress[p.SessionID] + p.Increment
	if p.Done {
		delete(b.progress, p.SessionID)
	} else {
		b.progress[p.SessionID] = pct
	}
	b.mu.Unlock()

	msg := p.Message
	if !p.Done && pct > 0 {
		msg = fmt.Sprintf("%s %d%%", msg, int(math.Min(pct, 100)))
	}

	batch := b.client.NewBatch()
	batch.ExecLua(`vim.api.nvim_echo({{...}}, false, {})`, nil, msg)
	return batch.Execute()
}

// ShowError raises an error notification
func (b *NvimBuffer) ShowError(message string) error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}
	b.executeLuaFunction(`vim.notify(..., vim.log.levels.ERROR)`, message)
	return nil
}

// Settings reads the user's settings table, vim.g["kb-ollama-coder"]
func (b *NvimBuffer) Settings() (config.Settings, error) {
	if b.client == nil {
		return nil, fmt.Errorf("nvim client not set")
	}
	var settings map[string]any
	batch := b.client.NewBatch()
	batch.ExecLua(`return vim.g[...] or vim.empty_dict()`, &settings, config.Section)
	if err := batch.Execute(); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return config.Settings(settings), nil
}

// DeliverPreview calls vim.g.kbcoder_on_preview(request_id, item) when defined
func (b *NvimBuffer) DeliverPreview(requestID int, item *preview.Item) error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}
	batch := b.client.NewBatch()
	batch.ExecLua(`
		local id, item = ...
		local cb = vim.g.kbcoder_on_preview
		if type(cb) == 'function' then cb(id, item) end
	`, nil, requestID, item)
	return batch.Execute()
}

// RegisterHandlers routes the kbcoder_* notifications to dispatch.
// It makes no RPC calls, so it is safe before Serve.
func (b *NvimBuffer) RegisterHandlers(dispatch func(engine.Event) bool) error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}

	handlers := map[string]any{
		NotifyAutocomplete: func(_ *nvim.Nvim) {
			dispatch(engine.Event{Type: engine.EventAutocomplete})
		},
		// an empty id cancels every running session
		NotifyCancel: func(_ *nvim.Nvim, id string) {
			dispatch(engine.Event{Type: engine.EventCancel, Data: id})
		},
		NotifyBufClosed: func(_ *nvim.Nvim, buf int) {
			dispatch(engine.Event{Type: engine.EventBufferClosed, Data: types.DocumentID(buf)})
		},
		NotifyConfigChanged: func(_ *nvim.Nvim) {
			dispatch(engine.Event{Type: engine.EventConfigChanged})
		},
		NotifyPreview: func(_ *nvim.Nvim, id int) {
			dispatch(engine.Event{Type: engine.EventPreview, Data: id})
		},
		NotifyPreviewCancel: func(_ *nvim.Nvim, id int) {
			dispatch(engine.Event{Type: engine.EventPreviewCancel, Data: id})
		},
	}
	for name, fn := range handlers {
		if err := b.client.RegisterHandler(name, fn); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

const installLua = `
local chan = ...
vim.api.nvim_create_user_command('KbCoderAutocomplete', function()
	vim.rpcnotify(chan, 'kbcoder_autocomplete')
end, { desc = 'Stream an LLM completion at the cursor' })
vim.api.nvim_create_user_command('KbCoderCancel', function(opts)
	vim.rpcnotify(chan, 'kbcoder_cancel', opts.args)
end, { nargs = '?', desc = 'Cancel running completions' })
vim.api.nvim_create_user_command('KbCoderReload', function()
	vim.rpcnotify(chan, 'kbcoder_config_changed')
end, { desc = 'Reload kbcoder settings' })
local group = vim.api.nvim_create_augroup('kbcoder', { clear = true })
vim.api.nvim_create_autocmd('BufUnload', {
	group = group,
	callback = function(ev) vim.rpcnotify(chan, 'kbcoder_buf_closed', ev.buf) end,
})
`

// InstallCommands creates the user commands and the BufUnload autocmd for
// this connection. It makes RPC calls, so Serve must already be running.
func (b *NvimBuffer) InstallCommands() error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}
	batch := b.client.NewBatch()
	batch.ExecLua(installLua, nil, b.client.ChannelID())
	if err := batch.Execute(); err != nil {
		return fmt.Errorf("install commands: %w", err)
	}
	return nil
}

// Internal helper methods

func (b *NvimBuffer) executeLuaFunction(luaCode string, args ...any) {
	if b.client == nil {
		return
	}
	batch := b.client.NewBatch()
	if len(args) > 0 {
		batch.ExecLua(luaCode, nil, args...)
	} else {
		batch.ExecLua(luaCode, nil, nil)
	}
	if err := batch.Execute(); err != nil {
		logger.Error("error executing lua function: %v", err)
	}
}

func (b *NvimBuffer) clearNamespace(batch *nvim.Batch, buf nvim.Buffer) {
	batch.ClearBufferNamespace(buf, b.config.NsID, 0, -1)
}

// Helper function to safely get string from map
func getString(m map[string]any, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

// Helper function to safely get number from map; msgpack decodes Lua
// integers as int64 or uint64
func getNumber(m map[string]any, key string) int {
	switch val := m[key].(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint64:
		return int(val)
	case float64:
		return int(val)
	}
	return -1
}
