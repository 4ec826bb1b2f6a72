package image

const scenarioPrompt = `You write short first-person scenes for a companion character who is
chatting with a friend. Read the conversation and imagine what the character
is doing or seeing right now in a way that fits it.

Return:
- narrative: two or three sentences, first person, present tense, casual.
- image_prompt: a detailed photographic prompt for that scene. Describe the
  setting, lighting, camera angle and mood. No text overlays.`

const enhancePrompt = `Improve the image prompt you are given for a text-to-image model.
Keep the subject and intent. Add concrete detail about composition,
lighting, colours, lens and style. Keep it under 80 words.`

const describePrompt = "Please describe what you see in this image in detail."
