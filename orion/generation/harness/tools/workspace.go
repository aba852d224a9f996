package tools

import (
	"context"
	"strings"
)

const (
	searchIssuesSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Text matched against issue titles and discussion"},
    "status": {"type": "string", "description": "Exact status, e.g. open or closed"},
    "assignee": {"type": "string", "description": "Exact assignee"}
  },
  "required": ["query"]
}`
	issueIDSchema = `{
  "type": "object",
  "properties": {"issue_id": {"type": "string"}},
  "required": ["issue_id"]
}`
	filePathSchema = `{
  "type": "object",
  "properties": {"file_path": {"type": "string", "description": "Full or partial path"}},
  "required": ["file_path"]
}`
	searchEmailsSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Text matched against subject and body"},
    "sender": {"type": "string", "description": "Sender address or name filter"},
    "read_status": {"type": "boolean", "description": "true for read, false for unread"}
  },
  "required": ["query"]
}`
	emailIDSchema = `{
  "type": "object",
  "properties": {"email_id": {"type": "string"}},
  "required": ["email_id"]
}`
	senderSchema = `{
  "type": "object",
  "properties": {"sender": {"type": "string"}},
  "required": ["sender"]
}`
	searchRepoSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Text matched against file paths"},
    "language": {"type": "string"},
    "contributor": {"type": "string"}
  },
  "required": ["query"]
}`
	packageSchema = `{
  "type": "object",
  "properties": {"package_name": {"type": "string"}},
  "required": ["package_name"]
}`
	searchLocalSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Text matched against file paths"},
    "extension": {"type": "string", "description": "Extension such as .pdf"},
    "directory": {"type": "string", "description": "Directory path filter"}
  },
  "required": ["query"]
}`
	dirPathSchema = `{
  "type": "object",
  "properties": {"dir_path": {"type": "string"}},
  "required": ["dir_path"]
}`
)

func codeTools(d *DataLake) []*accessor {
	type searchParams struct {
		Query    string `json:"query"`
		Status   string `json:"status"`
		Assignee string `json:"assignee"`
	}
	type idParams struct {
		IssueID string `json:"issue_id"`
	}
	type pathParams struct {
		FilePath string `json:"file_path"`
	}
	issues := func() ([]Record, error) { return d.records(CodeContextsFile, "code_context") }

	return []*accessor{
		bind("search_code_issues", "Search code issues by text, optionally filtered by status and assignee.", searchIssuesSchema,
			func(ctx context.Context, p searchParams) (any, error) {
				all, err := issues()
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool {
					if !containsFold(str(r, "issue_title"), p.Query) && !containsFold(str(r, "discussion"), p.Query) {
						return false
					}
					if p.Status != "" && str(r, "status") != p.Status {
						return false
					}
					return p.Assignee == "" || str(r, "assignee") == p.Assignee
				}), nil
			}),
		bind("get_issue_by_id", "Fetch one code issue by id.", issueIDSchema,
			func(ctx context.Context, p idParams) (any, error) {
				all, err := issues()
				if err != nil {
					return nil, err
				}
				return first(all, func(r Record) bool { return str(r, "id") == p.IssueID }), nil
			}),
		bind("get_issues_by_location", "List issues that reference a file path.", filePathSchema,
			func(ctx context.Context, p pathParams) (any, error) {
				all, err := issues()
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool {
					locations, _ := r["locations"].([]any)
					for _, l := range locations {
						if s, ok := l.(string); ok && strings.Contains(s, p.FilePath) {
							return true
						}
					}
					return false
				}), nil
			}),
	}
}

func emailTools(d *DataLake) []*accessor {
	type searchParams struct {
		Query      string `json:"query"`
		Sender     string `json:"sender"`
		ReadStatus *bool  `json:"read_status"`
	}
	type idParams struct {
		EmailID string `json:"email_id"`
	}
	type senderParams struct {
		Sender string `json:"sender"`
	}
	emails := func() ([]Record, error) { return d.records(EmailsFile, "emails") }

	return []*accessor{
		bind("search_emails", "Search emails by text, optionally filtered by sender and read status.", searchEmailsSchema,
			func(ctx context.Context, p searchParams) (any, error) {
				all, err := emails()
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool {
					if !containsFold(str(r, "subject"), p.Query) && !containsFold(str(r, "body"), p.Query) {
						return false
					}
					if p.Sender != "" && !containsFold(str(r, "from"), p.Sender) {
						return false
					}
					if p.ReadStatus != nil {
						read, _ := r["read"].(bool)
						return read == *p.ReadStatus
					}
					return true
				}), nil
			}),
		bind("get_email_by_id", "Fetch one email by id.", emailIDSchema,
			func(ctx context.Context, p idParams) (any, error) {
				all, err := emails()
				if err != nil {
					return nil, err
				}
				return first(all, func(r Record) bool { return str(r, "id") == p.EmailID }), nil
			}),
		bind("get_emails_by_sender", "List emails from a sender.", senderSchema,
			func(ctx context.Context, p senderParams) (any, error) {
				all, err := emails()
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool { return containsFold(str(r, "from"), p.Sender) }), nil
			}),
	}
}

func repoTools(d *DataLake) []*accessor {
	type searchParams struct {
		Query       string `json:"query"`
		Language    string `json:"language"`
		Contributor string `json:"contributor"`
	}
	type pathParams struct {
		FilePath string `json:"file_path"`
	}
	type packageParams struct {
		PackageName string `json:"package_name"`
	}
	repo := func(key string) ([]Record, error) { return d.records(RepoFile, key) }

	return []*accessor{
		bind("search_repo_files", "Search repository files by path, optionally filtered by language and contributor.", searchRepoSchema,
			func(ctx context.Context, p searchParams) (any, error) {
				files, err := repo("files")
				if err != nil {
					return nil, err
				}
				return filter(files, func(r Record) bool {
					if !containsFold(str(r, "path"), p.Query) {
						return false
					}
					if p.Language != "" && !strings.EqualFold(str(r, "language"), p.Language) {
						return false
					}
					if p.Contributor == "" {
						return true
					}
					contributors, _ := r["contributors"].([]any)
					for _, c := range contributors {
						if s, ok := c.(string); ok && strings.EqualFold(s, p.Contributor) {
							return true
						}
					}
					return false
				}), nil
			}),
		bind("get_file_by_path", "Fetch repository file details by full or partial path.", filePathSchema,
			func(ctx context.Context, p pathParams) (any, error) {
				files, err := repo("files")
				if err != nil {
					return nil, err
				}
				return first(files, func(r Record) bool { return strings.Contains(str(r, "path"), p.FilePath) }), nil
			}),
		bind("search_dependencies", "Find a repository dependency by package name.", packageSchema,
			func(ctx context.Context, p packageParams) (any, error) {
				deps, err := repo("dependencies")
				if err != nil {
					return nil, err
				}
				return first(deps, func(r Record) bool { return containsFold(str(r, "package"), p.PackageName) }), nil
			}),
	}
}

func localFileTools(d *DataLake) []*accessor {
	type searchParams struct {
		Query     string `json:"query"`
		Extension string `json:"extension"`
		Directory string `json:"directory"`
	}
	type pathParams struct {
		FilePath string `json:"file_path"`
	}
	type dirParams struct {
		DirPath string `json:"dir_path"`
	}
	fs := func(key string) ([]Record, error) { return d.records(FilesystemFile, key) }

	return []*accessor{
		bind("search_local_files", "Search local files by path, optionally filtered by extension and directory.", searchLocalSchema,
			func(ctx context.Context, p searchParams) (any, error) {
				files, err := fs("files")
				if err != nil {
					return nil, err
				}
				return filter(files, func(r Record) bool {
					if !containsFold(str(r, "path"), p.Query) {
						return false
					}
					if p.Extension != "" && !strings.EqualFold(str(r, "extension"), p.Extension) {
						return false
					}
					return p.Directory == "" || containsFold(str(r, "path"), p.Directory)
				}), nil
			}),
		bind("get_local_file_by_path", "Fetch local file details by full or partial path.", filePathSchema,
			func(ctx context.Context, p pathParams) (any, error) {
				files, err := fs("files")
				if err != nil {
					return nil, err
				}
				return first(files, func(r Record) bool { return strings.Contains(str(r, "path"), p.FilePath) }), nil
			}),
		bind("get_directory_info", "Fetch directory details by full or partial path.", dirPathSchema,
			func(ctx context.Context, p dirParams) (any, error) {
				dirs, err := fs("directories")
				if err != nil {
					return nil, err
				}
				return first(dirs, func(r Record) bool { return strings.Contains(str(r, "path"), p.DirPath) }), nil
			}),
	}
}
