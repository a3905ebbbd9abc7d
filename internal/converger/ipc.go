package converger

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinycdn/tinycdn/internal/fsops"
)

// Wire protocol: one JSON object per line over a Unix domain socket.
// Request carries {id, type, action, arguments}; Response carries the
// serialized result keyed by the same id. The correlation id lets a
// client match replies to requests on a connection that may be serving
// several concurrent calls.
const (
	actionGetStats       = "getStats"
	actionGetFileContent = "getFileContent"
	actionMkDir          = "mkDir"
	actionWriteFile      = "writeFile"
	actionWriteStream    = "writeStream"
	actionGetHash        = "getHash"
)

type wireRequest struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireResponse struct {
	ID     uuid.UUID       `json:"id"`
	Error  bool            `json:"error"`
	Result json.RawMessage `json:"result,omitempty"`
}

// statArgs / statReply etc. are the per-action argument and result
// shapes. Result serialization is deliberately lossy for stats and
// errors: the only consumer decisions downstream are "did it fail" and
// "is this a file".
type statArgs struct {
	Path string `json:"path"`
}

type statReply struct {
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified"`
	File         bool   `json:"file"`
}

type readFileArgs struct {
	Path string `json:"path"`
}

type readFileReply struct {
	DataBase64 string `json:"data"`
}

type mkdirArgs struct {
	Root string `json:"root"`
	File string `json:"file"`
}

type writeFileArgs struct {
	Path       string `json:"path"`
	DataBase64 string `json:"data"`
}

type writeStreamArgs struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Group  string `json:"group"`
	Level  int    `json:"level"`
}

type hashArgs struct {
	Path      string `json:"path"`
	Algorithm string `json:"algorithm"`
}

type hashReply struct {
	Hash string `json:"hash"`
}

// ipcServer accepts worker connections and dispatches each request line
// to the local authority it wraps.
type ipcServer struct {
	listener net.Listener
	local    *localAuthority
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func newServer(socketPath string, local *localAuthority) (*ipcServer, error) {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	s := &ipcServer{listener: ln, local: local, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *ipcServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *ipcServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	var writeMu sync.Mutex
	reader := bufio.NewReader(conn)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			var req wireRequest
			if err := json.Unmarshal(line, &req); err == nil {
				go s.handle(conn, &writeMu, req)
			}
		}
		if readErr != nil {
			return
		}
	}
}

func (s *ipcServer) handle(conn net.Conn, writeMu *sync.Mutex, req wireRequest) {
	resp := s.dispatch(req)
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.Write(data)
}

func (s *ipcServer) dispatch(req wireRequest) wireResponse {
	switch req.Action {
	case actionGetStats:
		var args statArgs
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return errorReply(req.ID)
		}
		st, err := s.local.Stat(args.Path)
		if err != nil {
			return errorReply(req.ID)
		}
		return okReply(req.ID, statReply{
			Size:         st.Size,
			LastModified: st.ModTime.UTC().Format(http.TimeFormat),
			File:         st.IsFile,
		})

	case actionGetFileContent:
		var args readFileArgs
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return errorReply(req.ID)
		}
		data, err := s.local.ReadFile(args.Path)
		if err != nil {
			return errorReply(req.ID)
		}
		return okReply(req.ID, readFileReply{DataBase64: base64.StdEncoding.EncodeToString(data)})

	case actionMkDir:
		var args mkdirArgs
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return errorReply(req.ID)
		}
		if err := s.local.MkdirAll(args.Root, args.File); err != nil {
			return errorReply(req.ID)
		}
		return okReply(req.ID, struct{}{})

	case actionWriteFile:
		var args writeFileArgs
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return errorReply(req.ID)
		}
		data, err := base64.StdEncoding.DecodeString(args.DataBase64)
		if err != nil {
			return errorReply(req.ID)
		}
		if err := s.local.WriteFile(args.Path, data); err != nil {
			return errorReply(req.ID)
		}
		return okReply(req.ID, struct{}{})

	case actionWriteStream:
		var args writeStreamArgs
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return errorReply(req.ID)
		}
		if err := s.local.WriteStream(args.Source, args.Target, args.Group, args.Level); err != nil {
			return errorReply(req.ID)
		}
		return okReply(req.ID, struct{}{})

	case actionGetHash:
		var args hashArgs
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return errorReply(req.ID)
		}
		h, err := s.local.Hash(args.Path, args.Algorithm)
		if err != nil {
			return errorReply(req.ID)
		}
		return okReply(req.ID, hashReply{Hash: h})

	default:
		return errorReply(req.ID)
	}
}

func (s *ipcServer) close() error {
	err := s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return err
}

func okReply(id uuid.UUID, result any) wireResponse {
	data, err := json.Marshal(result)
	if err != nil {
		return errorReply(id)
	}
	return wireResponse{ID: id, Result: data}
}

func errorReply(id uuid.UUID) wireResponse {
	return wireResponse{ID: id, Error: true}
}

// ipcClient is the RoleWorker realization of Authority: every call dials
// a fresh connection to the master, sends one request line, and waits
// for the matching response line. A persistent multiplexed connection
// would save a handshake per call, but clustering is an opt-in path for
// operators who deliberately spawn a worker topology, not the hot path
// of a single-process deployment — simplicity here matters more than
// shaving a connect() per cache miss.
type ipcClient struct {
	socketPath string
	timeout    time.Duration
}

func newClient(socketPath string) (*ipcClient, error) {
	// Fail fast if nothing is listening yet, rather than deferring the
	// error to the first request.
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, err
	}
	conn.Close()
	return &ipcClient{socketPath: socketPath, timeout: 30 * time.Second}, nil
}

func (c *ipcClient) call(action string, args any, result any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("converger: dialing master: %w", err)
	}
	defer conn.Close()

	argData, err := json.Marshal(args)
	if err != nil {
		return err
	}
	req := wireRequest{ID: uuid.New(), Type: "fileop", Action: action, Arguments: argData}
	reqData, err := json.Marshal(req)
	if err != nil {
		return err
	}
	reqData = append(reqData, '\n')

	conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(reqData); err != nil {
		return fmt.Errorf("converger: writing to master: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("converger: reading from master: %w", err)
	}

	var resp wireResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("converger: decoding master reply: %w", err)
	}
	if resp.Error {
		return fmt.Errorf("converger: master reported failure for %s", action)
	}
	if result != nil && len(resp.Result) > 0 {
		return json.Unmarshal(resp.Result, result)
	}
	return nil
}

func (c *ipcClient) Stat(path string) (fsops.StatResult, error) {
	var reply statReply
	if err := c.call(actionGetStats, statArgs{Path: path}, &reply); err != nil {
		return fsops.StatResult{}, err
	}
	modTime, _ := http.ParseTime(reply.LastModified)
	return fsops.StatResult{Size: reply.Size, ModTime: modTime, IsFile: reply.File}, nil
}

func (c *ipcClient) ReadFile(path string) ([]byte, error) {
	var reply readFileReply
	if err := c.call(actionGetFileContent, readFileArgs{Path: path}, &reply); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(reply.DataBase64)
}

func (c *ipcClient) MkdirAll(root, file string) error {
	return c.call(actionMkDir, mkdirArgs{Root: root, File: file}, nil)
}

func (c *ipcClient) WriteFile(path string, data []byte) error {
	return c.call(actionWriteFile, writeFileArgs{Path: path, DataBase64: base64.StdEncoding.EncodeToString(data)}, nil)
}

func (c *ipcClient) WriteStream(sourcePath, destPath, group string, level int) error {
	return c.call(actionWriteStream, writeStreamArgs{Source: sourcePath, Target: destPath, Group: group, Level: level}, nil)
}

func (c *ipcClient) Hash(path, algorithm string) (string, error) {
	var reply hashReply
	if err := c.call(actionGetHash, hashArgs{Path: path, Algorithm: algorithm}, &reply); err != nil {
		return "", err
	}
	return reply.Hash, nil
}

func (c *ipcClient) Close() error { return nil }
