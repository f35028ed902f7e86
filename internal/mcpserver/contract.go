package mcpserver

// NoteFormatContract describes how notes are shaped and indexed, for LLM
// clients creating or updating them.
const NoteFormatContract = `# Sowilo Note Format Contract

A note is a short Markdown document with a title and optional tags. Notes
are found by meaning: the server embeds the title and body together and
links notes whose embeddings are similar.

## Fields

| field        | required | notes                                                     |
|--------------|----------|-----------------------------------------------------------|
| title        | yes      | 1-500 characters; embedded together with the content      |
| content      | yes      | Markdown body, non-empty                                  |
| tags         | no       | list of strings; lowercase kebab-case (` + "`" + `project-x` + "`" + `)       |
| source_ref   | no       | where the content came from (URL, ticket, conversation)  |

Notes created through this server are recorded with source ` + "`" + `ai` + "`" + `.

## Writing for retrieval

1. **One idea per note.** Similarity is computed for the whole note; a
   note mixing unrelated topics will be weakly related to both.
2. **Put the gist first.** Only the first few thousand characters are
   embedded; anything later is stored but does not influence search.
3. **Descriptive titles.** The title is part of the embedded text and the
   only thing shown on graph nodes.
4. **Tags do not affect similarity.** Changing only tags never re-indexes
   the note; use them for filtering with ` + "`" + `list_notes` + "`" + `.

## Updating

Read the note first and pass its ` + "`" + `checksum` + "`" + ` to ` + "`" + `update_note` + "`" + `. If
someone changed the note in between, the update is rejected and you should
read it again. Editing the title or content re-embeds the note.

## Search modes

` + "`" + `search_notes` + "`" + ` reports ` + "`" + `"mode": "semantic"` + "`" + ` with a similarity per result, or
` + "`" + `"mode": "text"` + "`" + ` with ` + "`" + `null` + "`" + ` similarities when embeddings are unavailable. In
text mode, short literal keywords work better than full sentences.

## Example

` + "```" + `json
{
  "title": "Weekly standup 2025-01-20",
  "content": "Decided to move the launch to March.\n\n## Action items\n\n- Alice reviews the design doc",
  "tags": ["meeting-notes", "project-x"]
}
` + "```" + `
`
