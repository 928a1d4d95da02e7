// Package prompts assembles the message lists sent to the model on each
// pass of a tutoring turn, and holds the fixed text tutorbot adds to
// replies (usage headers, loop and truncation notices, the apology).
//
// Prompt order matters more than prompt wording here: the class
// material is supplied by instructors as files, so this package only
// decides where each piece lands and under which role.
package prompts
